// Copyright 2024 The Nexus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/nexuscluster/nexus/api/nexuspb"
	"github.com/nexuscluster/nexus/pkg/auth"
	"github.com/nexuscluster/nexus/pkg/config"
	"github.com/nexuscluster/nexus/pkg/connection"
	"github.com/nexuscluster/nexus/pkg/dispatcher"
	"github.com/nexuscluster/nexus/pkg/lock"
	"github.com/nexuscluster/nexus/pkg/model"
	"github.com/nexuscluster/nexus/pkg/naming"
)

// configPublishRequest is the body of a ConfigPublishRequest frame.
type configPublishRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	AppName   string `json:"appName,omitempty"`
}

type configRemoveRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

type configQueryRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	Tag       string `json:"tag,omitempty"` // client tag consulted against a gray/beta overlay's rule
}

// configListenContext is one (namespace, group, dataId, clientMD5) entry
// inside a ConfigBatchListenRequest (§4.7/§6).
type configListenContext struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	MD5       string `json:"md5"`
}

type batchListenRequest struct {
	Listen               bool                   `json:"listen"`
	ConfigListenContexts []configListenContext `json:"configListenContexts"`
}

type batchListenResponse struct {
	ChangedConfigs []model.ConfigKeyTriple `json:"changedConfigs"`
}

type fuzzyWatchRequest struct {
	Pattern            string          `json:"pattern"`
	ReceivedGroupKeys  map[string]bool `json:"receivedGroupKeys,omitempty"`
	IsInitializing     bool            `json:"isInitializing,omitempty"`
}

type configGrayPublishRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	GrayName  string `json:"grayName"`
	GrayRule  string `json:"grayRule"`
	Content   string `json:"content"`
}

type configGrayRemoveRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	GrayName  string `json:"grayName"`
}

type configHistoryListRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	Limit     int    `json:"limit,omitempty"`
}

type configHistoryGetRequest struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	ID        uint64 `json:"id"`
}

type instanceRegisterRequest struct {
	model.Instance
}

type instanceDeregisterRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
	Ephemeral   bool   `json:"ephemeral"`
}

type heartbeatRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
}

type serviceQueryRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
}

type serviceSubscribeRequest struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type pushAckRequest struct {
	RequestID string `json:"requestId"`
}

// lockAcquireRequest is the body of a LockAcquireRequest frame.
type lockAcquireRequest struct {
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	OwnerMetadata string `json:"ownerMetadata,omitempty"`
	TTLMs         int64  `json:"ttlMs"`
}

type lockReleaseRequest struct {
	Namespace  string  `json:"namespace"`
	Name       string  `json:"name"`
	Owner      string  `json:"owner"`
	FenceToken *uint64 `json:"fenceToken,omitempty"`
}

type lockRenewRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	TTLMs     int64  `json:"ttlMs"`
}

type lockForceReleaseRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type lockQueryRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// registerHandlers binds every client-facing request type to its
// subsystem, completing the Dispatcher wiring of §4.6.
func registerHandlers(d *dispatcher.Dispatcher, cfg *config.Manager, nm *naming.Manager, am *auth.Manager, lm *lock.Manager, registry *connection.Registry) {
	d.Register("LoginRequest", dispatcher.AuthNone, "", "", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req loginRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("LoginResponse", "auth", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		sess, err := am.Login(req.Username, req.Password)
		if err != nil {
			return nexuspb.NewErrorResult("LoginResponse", "auth", nexuspb.ResultFail, nexuspb.ErrorCodeForbidden, err.Error())
		}
		return nexuspb.NewResult("LoginResponse", "auth", map[string]string{"token": sess.Token})
	})

	d.Register(nexuspb.HealthCheckRequestType, dispatcher.AuthNone, "", "", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		return nexuspb.NewResult(nexuspb.HealthCheckRequestType, "internal", map[string]bool{"healthy": true})
	})

	d.Register(nexuspb.PushAckRequestType, dispatcher.AuthNone, "", "", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req pushAckRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult(nexuspb.PushAckRequestType, "internal", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if conn, ok := registry.Get(rc.ConnectionID); ok {
			conn.Ack(req.RequestID)
		}
		return nexuspb.NewResult(nexuspb.PushAckRequestType, "internal", map[string]bool{"success": true})
	})

	d.Register("ConfigPublishRequest", dispatcher.AuthWrite, "config", "write", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configPublishRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigPublishResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := cfg.Publish(req.Namespace, req.Group, req.DataID, req.Content, req.Type, req.AppName, "", rc.ClientIP); err != nil {
			return nexuspb.NewErrorResult("ConfigPublishResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigPublishResponse", "config", map[string]bool{"success": true})
	})

	d.Register("ConfigRemoveRequest", dispatcher.AuthWrite, "config", "write", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configRemoveRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigRemoveResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := cfg.Remove(req.Namespace, req.Group, req.DataID, "", rc.ClientIP); err != nil {
			return nexuspb.NewErrorResult("ConfigRemoveResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigRemoveResponse", "config", map[string]bool{"success": true})
	})

	d.Register("ConfigQueryRequest", dispatcher.AuthRead, "config", "read", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configQueryRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigQueryResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		item, err := cfg.Query(req.Namespace, req.Group, req.DataID, req.Tag)
		if err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return nexuspb.NewErrorResult("ConfigQueryResponse", "config", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
			}
			return nexuspb.NewErrorResult("ConfigQueryResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigQueryResponse", "config", item)
	})

	d.Register("ConfigBatchListenRequest", dispatcher.AuthRead, "config", "read", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req batchListenRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigBatchListenResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		keys := make([]config.ListenKey, len(req.ConfigListenContexts))
		for i, c := range req.ConfigListenContexts {
			keys[i] = config.ListenKey{Namespace: c.Namespace, Group: c.Group, DataID: c.DataID, ClientMD5: c.MD5}
		}
		changed, err := cfg.BatchListen(rc.ConnectionID, req.Listen, keys)
		if err != nil {
			return nexuspb.NewErrorResult("ConfigBatchListenResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigBatchListenResponse", "config", batchListenResponse{ChangedConfigs: changed})
	})

	d.Register("ConfigFuzzyWatchRequest", dispatcher.AuthRead, "config", "read", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req fuzzyWatchRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigFuzzyWatchResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if _, err := cfg.RegisterFuzzyWatch(rc.ConnectionID, req.Pattern); err != nil {
			return nexuspb.NewErrorResult("ConfigFuzzyWatchResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		if req.IsInitializing {
			if err := cfg.SyncFuzzyWatch(rc.ConnectionID, req.Pattern, req.ReceivedGroupKeys); err != nil {
				return nexuspb.NewErrorResult("ConfigFuzzyWatchResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
			}
		}
		return nexuspb.NewResult("ConfigFuzzyWatchResponse", "config", map[string]bool{"success": true})
	})

	d.Register("ConfigGrayPublishRequest", dispatcher.AuthWrite, "config", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configGrayPublishRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigGrayPublishResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := cfg.PublishGray(req.Namespace, req.Group, req.DataID, req.GrayName, req.GrayRule, req.Content); err != nil {
			return nexuspb.NewErrorResult("ConfigGrayPublishResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigGrayPublishResponse", "config", map[string]bool{"success": true})
	})

	d.Register("ConfigGrayRemoveRequest", dispatcher.AuthWrite, "config", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configGrayRemoveRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigGrayRemoveResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := cfg.RemoveGray(req.Namespace, req.Group, req.DataID, req.GrayName); err != nil {
			return nexuspb.NewErrorResult("ConfigGrayRemoveResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigGrayRemoveResponse", "config", map[string]bool{"success": true})
	})

	d.Register("ConfigHistoryListRequest", dispatcher.AuthRead, "config", "read", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configHistoryListRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigHistoryListResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		entries, err := cfg.History(req.Namespace, req.Group, req.DataID, req.Limit)
		if err != nil {
			return nexuspb.NewErrorResult("ConfigHistoryListResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigHistoryListResponse", "config", entries)
	})

	d.Register("ConfigHistoryGetRequest", dispatcher.AuthRead, "config", "read", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req configHistoryGetRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ConfigHistoryGetResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		entry, err := cfg.HistoryByID(req.Namespace, req.Group, req.DataID, req.ID)
		if err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return nexuspb.NewErrorResult("ConfigHistoryGetResponse", "config", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
			}
			return nexuspb.NewErrorResult("ConfigHistoryGetResponse", "config", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ConfigHistoryGetResponse", "config", entry)
	})

	d.Register("InstanceRegisterRequest", dispatcher.AuthWrite, "naming", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req instanceRegisterRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("InstanceRegisterResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if req.Ephemeral {
			nm.RegisterEphemeral(req.Instance)
		} else if err := nm.RegisterPersistent(req.Instance); err != nil {
			return nexuspb.NewErrorResult("InstanceRegisterResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("InstanceRegisterResponse", "naming", map[string]bool{"success": true})
	})

	d.Register("InstanceDeregisterRequest", dispatcher.AuthWrite, "naming", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req instanceDeregisterRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("InstanceDeregisterResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if req.Ephemeral {
			nm.DeregisterEphemeral(req.Namespace, req.Group, req.ServiceName, req.InstanceID)
		} else if err := nm.DeregisterPersistent(req.Namespace, req.Group, req.ServiceName, req.InstanceID); err != nil {
			return nexuspb.NewErrorResult("InstanceDeregisterResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("InstanceDeregisterResponse", "naming", map[string]bool{"success": true})
	})

	d.Register("InstanceHeartbeatRequest", dispatcher.AuthWrite, "naming", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req heartbeatRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("InstanceHeartbeatResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := nm.Heartbeat(req.Namespace, req.Group, req.ServiceName, req.InstanceID); err != nil {
			return nexuspb.NewErrorResult("InstanceHeartbeatResponse", "naming", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("InstanceHeartbeatResponse", "naming", map[string]bool{"success": true})
	})

	d.Register("ServiceQueryRequest", dispatcher.AuthRead, "naming", "read", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req serviceQueryRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ServiceQueryResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		info, err := nm.QueryService(req.Namespace, req.Group, req.ServiceName)
		if err != nil {
			return nexuspb.NewErrorResult("ServiceQueryResponse", "naming", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ServiceQueryResponse", "naming", info)
	})

	d.Register("ServiceSubscribeRequest", dispatcher.AuthRead, "naming", "read", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req serviceSubscribeRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ServiceSubscribeResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		nm.Subscribe(rc.ConnectionID, req.Namespace, req.Group, req.ServiceName)
		return nexuspb.NewResult("ServiceSubscribeResponse", "naming", map[string]bool{"success": true})
	})

	d.Register("ServiceUnsubscribeRequest", dispatcher.AuthRead, "naming", "read", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req serviceSubscribeRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ServiceUnsubscribeResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		nm.Unsubscribe(rc.ConnectionID, req.Namespace, req.Group, req.ServiceName)
		return nexuspb.NewResult("ServiceUnsubscribeResponse", "naming", map[string]bool{"success": true})
	})

	d.Register("ServiceFuzzyWatchRequest", dispatcher.AuthRead, "naming", "read", func(_ context.Context, rc *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req fuzzyWatchRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("ServiceFuzzyWatchResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if _, err := nm.RegisterFuzzyWatch(rc.ConnectionID, req.Pattern); err != nil {
			return nexuspb.NewErrorResult("ServiceFuzzyWatchResponse", "naming", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("ServiceFuzzyWatchResponse", "naming", map[string]bool{"success": true})
	})

	d.Register("LockAcquireRequest", dispatcher.AuthWrite, "lock", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req lockAcquireRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("LockAcquireResponse", "lock", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		held, err := lm.Acquire(req.Namespace, req.Name, req.Owner, req.OwnerMetadata, time.Duration(req.TTLMs)*time.Millisecond)
		if err != nil {
			if errors.Is(err, lock.ErrConflict) {
				return nexuspb.NewErrorResult("LockAcquireResponse", "lock", nexuspb.ResultConflict, nexuspb.ErrorCodeNone, err.Error())
			}
			return nexuspb.NewErrorResult("LockAcquireResponse", "lock", nexuspb.ResultFail, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("LockAcquireResponse", "lock", held)
	})

	d.Register("LockReleaseRequest", dispatcher.AuthWrite, "lock", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req lockReleaseRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("LockReleaseResponse", "lock", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := lm.Release(req.Namespace, req.Name, req.Owner, req.FenceToken); err != nil {
			return nexuspb.NewErrorResult("LockReleaseResponse", "lock", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("LockReleaseResponse", "lock", map[string]bool{"success": true})
	})

	d.Register("LockRenewRequest", dispatcher.AuthWrite, "lock", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req lockRenewRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("LockRenewResponse", "lock", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		renewed, err := lm.Renew(req.Namespace, req.Name, req.Owner, time.Duration(req.TTLMs)*time.Millisecond)
		if err != nil {
			return nexuspb.NewErrorResult("LockRenewResponse", "lock", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("LockRenewResponse", "lock", renewed)
	})

	d.Register("LockForceReleaseRequest", dispatcher.AuthWrite, "lock", "write", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req lockForceReleaseRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("LockForceReleaseResponse", "lock", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		if err := lm.ForceRelease(req.Namespace, req.Name); err != nil {
			return nexuspb.NewErrorResult("LockForceReleaseResponse", "lock", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("LockForceReleaseResponse", "lock", map[string]bool{"success": true})
	})

	d.Register("LockQueryRequest", dispatcher.AuthRead, "lock", "read", func(_ context.Context, _ *dispatcher.RequestContext, in *nexuspb.Payload) (*nexuspb.Payload, error) {
		var req lockQueryRequest
		if err := in.Unmarshal(&req); err != nil {
			return nexuspb.NewErrorResult("LockQueryResponse", "lock", nexuspb.ResultFail, nexuspb.ErrorCodeBadRequest, err.Error())
		}
		held, err := lm.Query(req.Namespace, req.Name)
		if err != nil {
			return nexuspb.NewErrorResult("LockQueryResponse", "lock", nexuspb.ResultNotFound, nexuspb.ErrorCodeNone, err.Error())
		}
		return nexuspb.NewResult("LockQueryResponse", "lock", held)
	})
}
