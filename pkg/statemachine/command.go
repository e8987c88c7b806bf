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

package statemachine

import "github.com/nexuscluster/nexus/pkg/model"

// Kind enumerates the closed set of commands the state machine applies.
// Every field a command needs to compute its new value travels with the
// command itself; the FSM never reads ambient state at apply time (§4.2
// Clock policy).
type Kind string

const (
	KindConfigPublish        Kind = "ConfigPublish"
	KindConfigRemove         Kind = "ConfigRemove"
	KindConfigHistoryInsert  Kind = "ConfigHistoryInsert"
	KindConfigTagsUpdate     Kind = "ConfigTagsUpdate"
	KindConfigTagsDelete     Kind = "ConfigTagsDelete"
	KindConfigGrayPublish    Kind = "ConfigGrayPublish"
	KindConfigGrayRemove     Kind = "ConfigGrayRemove"
	KindNamespaceCreate      Kind = "NamespaceCreate"
	KindNamespaceUpdate      Kind = "NamespaceUpdate"
	KindNamespaceDelete      Kind = "NamespaceDelete"
	KindUserCreate           Kind = "UserCreate"
	KindUserUpdate           Kind = "UserUpdate"
	KindUserDelete           Kind = "UserDelete"
	KindRoleCreate           Kind = "RoleCreate"
	KindRoleDelete           Kind = "RoleDelete"
	KindPermissionGrant      Kind = "PermissionGrant"
	KindPermissionRevoke     Kind = "PermissionRevoke"
	KindPersistentInstanceRegister   Kind = "PersistentInstanceRegister"
	KindPersistentInstanceUpdate     Kind = "PersistentInstanceUpdate"
	KindPersistentInstanceDeregister Kind = "PersistentInstanceDeregister"
	KindLockAcquire      Kind = "LockAcquire"
	KindLockRelease      Kind = "LockRelease"
	KindLockRenew        Kind = "LockRenew"
	KindLockForceRelease Kind = "LockForceRelease"
	KindLockExpire       Kind = "LockExpire"
	KindNoop             Kind = "Noop"
)

// Command is the envelope applied by the FSM. Exactly one of the typed
// payload fields is populated, selected by Kind; this keeps the log entry a
// single self-contained JSON object with no ambient-state reads required at
// apply time.
type Command struct {
	Kind Kind `json:"kind"`

	ConfigPublish        *ConfigPublishCmd        `json:"configPublish,omitempty"`
	ConfigRemove         *ConfigRemoveCmd         `json:"configRemove,omitempty"`
	ConfigHistoryInsert  *ConfigHistoryInsertCmd  `json:"configHistoryInsert,omitempty"`
	ConfigTagsUpdate     *ConfigTagsCmd           `json:"configTagsUpdate,omitempty"`
	ConfigTagsDelete     *ConfigTagsCmd           `json:"configTagsDelete,omitempty"`
	ConfigGrayPublish    *ConfigGrayPublishCmd    `json:"configGrayPublish,omitempty"`
	ConfigGrayRemove     *ConfigGrayRemoveCmd     `json:"configGrayRemove,omitempty"`
	NamespaceCreate      *NamespaceUpsertCmd      `json:"namespaceCreate,omitempty"`
	NamespaceUpdate      *NamespaceUpsertCmd      `json:"namespaceUpdate,omitempty"`
	NamespaceDelete      *NamespaceDeleteCmd      `json:"namespaceDelete,omitempty"`
	UserCreate           *UserUpsertCmd           `json:"userCreate,omitempty"`
	UserUpdate           *UserUpsertCmd           `json:"userUpdate,omitempty"`
	UserDelete           *UserDeleteCmd           `json:"userDelete,omitempty"`
	RoleCreate           *RoleCmd                 `json:"roleCreate,omitempty"`
	RoleDelete           *RoleCmd                 `json:"roleDelete,omitempty"`
	PermissionGrant      *PermissionCmd           `json:"permissionGrant,omitempty"`
	PermissionRevoke     *PermissionCmd           `json:"permissionRevoke,omitempty"`
	InstanceRegister     *InstanceUpsertCmd       `json:"instanceRegister,omitempty"`
	InstanceUpdate       *InstanceUpsertCmd       `json:"instanceUpdate,omitempty"`
	InstanceDeregister   *InstanceDeregisterCmd   `json:"instanceDeregister,omitempty"`
	LockAcquire          *LockAcquireCmd          `json:"lockAcquire,omitempty"`
	LockRelease          *LockReleaseCmd          `json:"lockRelease,omitempty"`
	LockRenew            *LockRenewCmd            `json:"lockRenew,omitempty"`
	LockForceRelease     *LockKeyCmd              `json:"lockForceRelease,omitempty"`
	LockExpire           *LockKeyCmd              `json:"lockExpire,omitempty"`
}

// ConfigPublishCmd carries every field needed to write a ConfigItem.
type ConfigPublishCmd struct {
	Namespace        string `json:"namespace"`
	Group            string `json:"group"`
	DataID           string `json:"dataId"`
	Content          string `json:"content"`
	ContentMD5       string `json:"contentMd5"`
	Type             string `json:"type"`
	AppName          string `json:"appName,omitempty"`
	Tags             string `json:"tags,omitempty"`
	Description      string `json:"description,omitempty"`
	EncryptedDataKey string `json:"encryptedDataKey,omitempty"`
	LastModifiedMs   int64  `json:"lastModifiedMs"`
	SrcUser          string `json:"srcUser,omitempty"`
	SrcIP            string `json:"srcIp,omitempty"`
}

// ConfigRemoveCmd identifies a ConfigItem to delete.
type ConfigRemoveCmd struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

// ConfigHistoryInsertCmd appends an audit entry. ID is assigned by the
// proposer from a monotonic counter it owns (the last_applied index is a
// convenient, already-replicated source).
type ConfigHistoryInsertCmd struct {
	ID               uint64                 `json:"id"`
	Namespace        string                 `json:"namespace"`
	Group            string                 `json:"group"`
	DataID           string                 `json:"dataId"`
	Content          string                 `json:"content"`
	MD5              string                 `json:"md5"`
	SrcUser          string                 `json:"srcUser,omitempty"`
	SrcIP            string                 `json:"srcIp,omitempty"`
	OpType           model.ConfigHistoryOp  `json:"opType"`
	CreatedAtMs      int64                  `json:"createdAtMs"`
	LastModifiedAtMs int64                  `json:"lastModifiedAtMs"`
}

// ConfigTagsCmd adds or removes a single tag from a ConfigItem.
type ConfigTagsCmd struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	Tag       string `json:"tag"`
}

// ConfigGrayPublishCmd writes a beta/gray overlay variant of a config that
// shadows the base item for requesters whose tag matches GrayRule (§9 gray
// release).
type ConfigGrayPublishCmd struct {
	Namespace      string `json:"namespace"`
	Group          string `json:"group"`
	DataID         string `json:"dataId"`
	GrayName       string `json:"grayName"`
	GrayRule       string `json:"grayRule"`
	Content        string `json:"content"`
	ContentMD5     string `json:"contentMd5"`
	LastModifiedMs int64  `json:"lastModifiedMs"`
}

// ConfigGrayRemoveCmd identifies a gray overlay to delete.
type ConfigGrayRemoveCmd struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
	GrayName  string `json:"grayName"`
}

// NamespaceUpsertCmd creates or updates a Namespace.
type NamespaceUpsertCmd struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	NowMs       int64  `json:"nowMs"`
}

// NamespaceDeleteCmd identifies a Namespace to delete.
type NamespaceDeleteCmd struct {
	ID string `json:"id"`
}

// UserUpsertCmd creates or updates a User.
type UserUpsertCmd struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	Salt         string `json:"salt"`
	Enabled      bool   `json:"enabled"`
}

// UserDeleteCmd identifies a User to delete.
type UserDeleteCmd struct {
	Username string `json:"username"`
}

// RoleCmd grants or revokes a role to/from a user.
type RoleCmd struct {
	Role     string `json:"role"`
	Username string `json:"username"`
}

// PermissionCmd grants or revokes a (role, resource, action) permission.
type PermissionCmd struct {
	Role     string `json:"role"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// InstanceUpsertCmd registers or updates a persistent Instance.
type InstanceUpsertCmd struct {
	Namespace   string            `json:"namespace"`
	Group       string            `json:"group"`
	ServiceName string            `json:"serviceName"`
	ClusterName string            `json:"clusterName"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	Healthy     bool              `json:"healthy"`
	Enabled     bool              `json:"enabled"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InstanceDeregisterCmd identifies a persistent Instance to remove.
type InstanceDeregisterCmd struct {
	Namespace   string `json:"namespace"`
	Group       string `json:"group"`
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
}

// LockAcquireCmd attempts to acquire or re-acquire (same owner) a Lock. The
// proposer computes FenceToken (monotonic, pre-replication) and bakes the
// expiry deadline's TTL in; replicas only ever apply the recorded outcome.
type LockAcquireCmd struct {
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	Owner         string `json:"owner"`
	OwnerMetadata string `json:"ownerMetadata,omitempty"`
	TTLMs         int64  `json:"ttlMs"`
	FenceToken    uint64 `json:"fenceToken"`
	NowMs         int64  `json:"nowMs"`
}

// LockReleaseCmd releases a Lock held by Owner, optionally checked against
// FenceToken.
type LockReleaseCmd struct {
	Namespace  string  `json:"namespace"`
	Name       string  `json:"name"`
	Owner      string  `json:"owner"`
	FenceToken *uint64 `json:"fenceToken,omitempty"`
}

// LockRenewCmd extends a Lock's expiry. The proposer has already checked
// now < expires_at locally before replicating; replicas simply apply the
// recorded new expiry.
type LockRenewCmd struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	TTLMs       int64  `json:"ttlMs"`
	NewExpireMs int64  `json:"newExpireMs"`
}

// LockKeyCmd identifies a Lock by key alone, used for ForceRelease/Expire.
type LockKeyCmd struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// Proposer is the write-path capability every subsystem manager depends on
// instead of raftcore.Node directly, so tests can substitute a fake that
// applies commands straight to an FSM without standing up a real Raft
// cluster.
type Proposer interface {
	Propose(cmd Command) (Response, error)
}

// Response is returned by Apply for every command.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

// Ok builds a successful Response.
func Ok() Response { return Response{Success: true} }

// OkWithData builds a successful Response carrying a JSON payload.
func OkWithData(data []byte) Response { return Response{Success: true, Data: data} }

// Fail builds a failed Response with a message.
func Fail(msg string) Response { return Response{Success: false, Message: msg} }
