// Package store persists Users and Servers in a document database,
// mirroring the shape of the control plane's earlier relational store
// (CreateServer/GetServer/ListServers/...) but over named collections
// and indexes instead of tables.
package store

import (
	"fmt"
	"time"
)

// ServerStatus is the closed set of lifecycle states a Server can be in.
// Creating/Starting/Stopping/Deleting are transient and persisted so a
// crash mid-operation can resume on next startup.
type ServerStatus string

const (
	StatusCreating ServerStatus = "creating"
	StatusReady    ServerStatus = "ready"
	StatusStarting ServerStatus = "starting"
	StatusOnline   ServerStatus = "online"
	StatusStopping ServerStatus = "stopping"
	StatusDeleting ServerStatus = "deleting"
	StatusError    ServerStatus = "error"
)

// ServerType is the tagged-variant discriminator for server-config.
type ServerType string

const (
	TypePaper    ServerType = "PAPER"
	TypePurpur   ServerType = "PURPUR"
	TypeNeoForge ServerType = "NEOFORGE"
	TypeForge    ServerType = "FORGE"
	TypeFabric   ServerType = "FABRIC"
)

// ForwardingMode controls how player identity is propagated from a proxy
// to this back end.
type ForwardingMode string

const (
	ForwardingNone   ForwardingMode = "none"
	ForwardingLegacy ForwardingMode = "legacy"
	ForwardingModern ForwardingMode = "modern"
)

// CurrentSchemaVersion is written onto every new document. GetServer and
// GetUserByEmail return an Inconsistent error for a document carrying a
// different non-zero version; documents are never auto-migrated — schema
// migration is out of scope.
const CurrentSchemaVersion = 1

// BaseServerConfig holds the fields common to every server-type variant.
type BaseServerConfig struct {
	ServerType           ServerType     `bson:"server_type"`
	Version              string         `bson:"version"`
	Port                 int            `bson:"port"`
	RCONPort             int            `bson:"rcon_port,omitempty"`
	MemoryMB             int            `bson:"memory_mb"`
	MOTD                 string         `bson:"motd"`
	PlayerInfoForwarding ForwardingMode `bson:"player_info_forwarding_mode"`
	ForwardingSecret     string         `bson:"forwarding_secret,omitempty"`
}

// ServerConfig is the polymorphic server-config document, modeled as a
// tagged variant keyed by BaseServerConfig.ServerType. Type-specific
// fields are populated only when they apply; validation of which fields
// are legal for a given type happens in the lifecycle manager.
type ServerConfig struct {
	BaseServerConfig `bson:",inline"`

	// PAPER/PURPUR-specific
	BuildNumber string `bson:"build_number,omitempty"`

	// FORGE/NEOFORGE-specific
	ForgeVersion string `bson:"forge_version,omitempty"`

	// FABRIC-specific
	FabricLoaderVersion    string `bson:"fabric_loader_version,omitempty"`
	FabricInstallerVersion string `bson:"fabric_installer_version,omitempty"`
}

// Server is the source-of-truth document for one game server. The
// container stack and proxy registrations are derived state.
type Server struct {
	SchemaVersion  int          `bson:"schema_version"`
	UniqueID       string       `bson:"unique_id"`
	OwnerEmail     string       `bson:"owner_email"`
	ServerName     string       `bson:"server_name"`
	SubdomainName  string       `bson:"subdomain_name"`
	FolderPath     string       `bson:"folder_path"`
	IsOnline       bool         `bson:"is_online"`
	Status         ServerStatus `bson:"status"`
	DNSRecordID    string       `bson:"dns_record_id,omitempty"`
	ContainerStack string       `bson:"container_stack,omitempty"`
	CreatedAt      time.Time    `bson:"created_at"`
	UpdatedAt      time.Time    `bson:"updated_at"`
	Config         ServerConfig `bson:"server_config"`
}

// ReservedRange is a user's privately-owned port range, e.g. for a
// dedicated modpack server cluster.
type ReservedRange struct {
	Start       int    `bson:"start"`
	End         int    `bson:"end"`
	Description string `bson:"description,omitempty"`
}

// User is an account entity: signup-created, admin- or self-mutated,
// soft-deleted by explicit confirmation.
type User struct {
	SchemaVersion      int             `bson:"schema_version"`
	Email              string          `bson:"email"`
	PasswordHash       string          `bson:"password_hash"`
	IsAdmin            bool            `bson:"is_admin"`
	MaxServers         int             `bson:"max_servers"`
	ReservedPorts      []int           `bson:"reserved_ports"`
	ReservedPortRanges []ReservedRange `bson:"reserved_port_ranges"`
	DeletedAt          *time.Time      `bson:"deleted_at,omitempty"`
	CreatedAt          time.Time       `bson:"created_at"`
	UpdatedAt          time.Time       `bson:"updated_at"`
}

// DefaultMaxServers matches spec's stated per-user default quota.
const DefaultMaxServers = 3

// GameServerPort is the fixed in-container Minecraft port every backing
// container listens on; the host-side port varies per allocation, but
// proxies always address a server by its internal network name on this
// port.
const GameServerPort = 25565

// ProxyPublicPort is the port published in a server's SRV record: the
// proxy fleet's own public entry point, not the back-end container's
// port. It happens to share GameServerPort's value but is named
// separately since the two represent different hops in the connection.
const ProxyPublicPort = 25565

// StackName is the canonical container/stack name derived from a
// Server's unique-id, used both as the Docker stack label and as the
// Velocity/BungeeCord address host.
func StackName(uniqueID string) string {
	return "mc-" + uniqueID
}

// BackendAddress is the proxy-facing "<stack-name>:<port>" address for a
// server's unique-id.
func BackendAddress(uniqueID string) string {
	return fmt.Sprintf("%s:%d", StackName(uniqueID), GameServerPort)
}
