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

// Package model defines the entities of the data model shared by every
// subsystem: configs, namespaces, instances, RBAC, locks and the in-memory
// connection/subscription types.
package model

import "fmt"

// ConfigItem is identified by the (namespace, group, dataId) triple.
type ConfigItem struct {
	Namespace         string `json:"namespace"`
	Group             string `json:"group"`
	DataID            string `json:"dataId"`
	Content           string `json:"content"`
	ContentMD5        string `json:"contentMd5"`
	Type              string `json:"type"`
	AppName           string `json:"appName,omitempty"`
	Tags              string `json:"tags,omitempty"`
	Description       string `json:"description,omitempty"`
	EncryptedDataKey  string `json:"encryptedDataKey,omitempty"`
	LastModifiedMs    int64  `json:"lastModifiedMs"`
	SrcUser           string `json:"srcUser,omitempty"`
	SrcIP             string `json:"srcIp,omitempty"`
}

// ConfigKey returns the canonical "@@"-separated column-family key.
func ConfigKey(namespace, group, dataID string) string {
	return fmt.Sprintf("%s@@%s@@%s", namespace, group, dataID)
}

// GroupKey returns the canonical "+"-joined group key used for subscription
// and fuzzy-watch pattern matching of configs: "tenant+group+dataId".
func GroupKey(namespace, group, dataID string) string {
	return namespace + "+" + group + "+" + dataID
}

// ServiceGroupKey returns the canonical group key for naming fuzzy watch:
// "namespace+group+service".
func ServiceGroupKey(namespace, group, service string) string {
	return namespace + "+" + group + "+" + service
}

// ConfigHistoryOp identifies the operation that produced a history entry.
type ConfigHistoryOp string

const (
	ConfigHistoryPublish ConfigHistoryOp = "PUBLISH"
	ConfigHistoryRemove  ConfigHistoryOp = "REMOVE"
)

// ConfigHistory is an append-only audit entry for a ConfigItem transition.
type ConfigHistory struct {
	ID                 uint64          `json:"id"`
	Namespace          string          `json:"namespace"`
	Group              string          `json:"group"`
	DataID             string          `json:"dataId"`
	Content            string          `json:"content"`
	MD5                string          `json:"md5"`
	SrcUser            string          `json:"srcUser,omitempty"`
	SrcIP              string          `json:"srcIp,omitempty"`
	OpType             ConfigHistoryOp `json:"opType"`
	CreatedAtMs        int64           `json:"createdAtMs"`
	LastModifiedAtMs   int64           `json:"lastModifiedAtMs"`
}

// ConfigHistoryKeyPrefix returns the scan prefix for all history entries of
// one ConfigItem; entries are ordered newest-first by the caller reversing
// the scan, since the monotonic id is big-endian encoded in the actual key.
func ConfigHistoryKeyPrefix(namespace, group, dataID string) string {
	return fmt.Sprintf("%s@@%s@@%s@@", namespace, group, dataID)
}

// ConfigKeyTriple identifies a ConfigItem without carrying its content; used
// by ConfigBatchListen's changedConfigs response (§4.7 MD5 contract).
type ConfigKeyTriple struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	DataID    string `json:"dataId"`
}

// ConfigGrayItem is a gray/beta overlay variant of a ConfigItem.
type ConfigGrayItem struct {
	Namespace      string `json:"namespace"`
	Group          string `json:"group"`
	DataID         string `json:"dataId"`
	GrayName       string `json:"grayName"`
	GrayRule       string `json:"grayRule"`
	Content        string `json:"content"`
	ContentMD5     string `json:"contentMd5"`
	LastModifiedMs int64  `json:"lastModifiedMs"`
}

// ConfigGrayKey returns the canonical column-family key for a gray item.
func ConfigGrayKey(namespace, group, dataID, grayName string) string {
	return fmt.Sprintf("%s@@%s@@%s@@%s", namespace, group, dataID, grayName)
}

// Namespace groups tenant-scoped entities.
type Namespace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Instance is a single service endpoint identified within a Service by
// (cluster_name, ip, port).
type Instance struct {
	Namespace           string            `json:"namespace"`
	Group               string            `json:"group"`
	ServiceName         string            `json:"serviceName"`
	ClusterName         string            `json:"clusterName"`
	IP                  string            `json:"ip"`
	Port                int               `json:"port"`
	Weight              float64           `json:"weight"`
	Healthy             bool              `json:"healthy"`
	Enabled             bool              `json:"enabled"`
	Ephemeral           bool              `json:"ephemeral"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	HeartbeatIntervalMs int64             `json:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int64             `json:"heartbeatTimeoutMs"`
	IPDeleteTimeoutMs   int64             `json:"ipDeleteTimeoutMs"`
	LastHeartbeatMs     int64             `json:"lastHeartbeatMs"`
}

// InstanceID is the (cluster, ip, port) identity of an instance within a
// service, used as its map key in both persistent and in-memory tables.
func (i *Instance) InstanceID() string {
	return fmt.Sprintf("%s#%s#%d", i.ClusterName, i.IP, i.Port)
}

// InstanceKey returns the canonical persistent-store key for an instance.
func InstanceKey(namespace, group, serviceName, instanceID string) string {
	return fmt.Sprintf("%s@@%s@@%s@@%s", namespace, group, serviceName, instanceID)
}

// ServiceKey returns the canonical "namespace@@group@@serviceName" key used
// to aggregate instances into a Service projection.
func ServiceKey(namespace, group, serviceName string) string {
	return fmt.Sprintf("%s@@%s@@%s", namespace, group, serviceName)
}

// ServiceInfo is the read-projection of all Instances sharing a Service key.
type ServiceInfo struct {
	Name                     string      `json:"name"`
	GroupName                string      `json:"groupName"`
	Clusters                 string      `json:"clusters"`
	CacheMillis              int64       `json:"cacheMillis"`
	Hosts                    []*Instance `json:"hosts"`
	Checksum                 string      `json:"checksum"`
	ReachProtectionThreshold bool        `json:"reachProtectionThreshold"`
	ProtectThreshold         float64     `json:"-"`
}

// User is an RBAC principal.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	Salt         string `json:"salt"`
	Enabled      bool   `json:"enabled"`
}

// Role grants a named role to a username.
type Role struct {
	Role     string `json:"role"`
	Username string `json:"username"`
}

// RoleKey returns the canonical column-family key for a Role grant.
func RoleKey(role, username string) string {
	return role + "@@" + username
}

// Permission attaches (role, resource pattern, action).
type Permission struct {
	Role     string `json:"role"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// PermissionKey returns the canonical column-family key for a Permission.
func PermissionKey(role, resource, action string) string {
	return role + "@@" + resource + "@@" + action
}

// LockState is the lifecycle state of a Lock.
type LockState string

const (
	LockFree    LockState = "Free"
	LockLocked  LockState = "Locked"
	LockExpired LockState = "Expired"
)

// Lock is a distributed mutex keyed by (namespace, name).
type Lock struct {
	Namespace     string    `json:"namespace"`
	Name          string    `json:"name"`
	State         LockState `json:"state"`
	Owner         string    `json:"owner,omitempty"`
	OwnerMetadata string    `json:"ownerMetadata,omitempty"`
	FenceToken    uint64    `json:"fenceToken"`
	TTLMs         int64     `json:"ttlMs"`
	AcquiredAtMs  int64     `json:"acquiredAtMs,omitempty"`
	ExpiresAtMs   int64     `json:"expiresAtMs,omitempty"`
	RenewalCount  uint64    `json:"renewalCount"`
}

// LockKey returns the canonical column-family key for a Lock.
func LockKey(namespace, name string) string {
	return namespace + "::" + name
}
