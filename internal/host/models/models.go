// Package models defines agent hosts: machines or clusters that run agent containers.
package models

import (
	"time"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
)

// Kind selects how the pool talks to a host's container runtime.
type Kind string

const (
	KindLocalSocket Kind = "local_socket"
	KindSSH         Kind = "ssh"
	KindCluster     Kind = "cluster"
)

// Status is the connectivity of a host as last observed by the pool.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// LocalSocketConfig targets the container socket of the machine the pool runs on.
type LocalSocketConfig struct {
	SocketPath string `json:"socket_path,omitempty"`
}

// SSHConfig targets a remote docker daemon through an SSH tunnel.
// Secret names an ssh_key secret holding the RSA private key. HostKey, in
// authorized_keys format, pins the server key; empty accepts any key.
type SSHConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user"`
	Secret     string `json:"secret"`
	HostKey    string `json:"host_key,omitempty"`
	SocketPath string `json:"socket_path,omitempty"`
}

// ClusterConfig targets a clustered docker endpoint (for example a swarm manager) over TLS.
type ClusterConfig struct {
	Endpoint  string `json:"endpoint"`
	CertPath  string `json:"cert_path,omitempty"`
	TLSVerify bool   `json:"tls_verify"`
}

// Config is the kind-specific descriptor. Exactly the field matching Kind is set.
type Config struct {
	LocalSocket *LocalSocketConfig `json:"local_socket,omitempty"`
	SSH         *SSHConfig         `json:"ssh,omitempty"`
	Cluster     *ClusterConfig     `json:"cluster,omitempty"`
}

// AgentHost is a backend capable of running agent containers.
type AgentHost struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    Kind     `json:"kind"`
	Tags    []string `json:"tags"`
	MaxSize int      `json:"max_size"`
	Status  Status   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Config  Config   `json:"config"`

	// Agents idle for longer than MaxIdle get their containers stopped,
	// agents offline for longer than MaxOffline are removed. Zero disables.
	MaxIdle    time.Duration `json:"max_idle"`
	MaxOffline time.Duration `json:"max_offline"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentPrefix is the name prefix of every agent (and container) this host owns.
func (h *AgentHost) AgentPrefix() string {
	return h.Name + "-"
}

// Fulfills reports whether agents created on the host would match selector.
func (h *AgentHost) Fulfills(selector []string) bool {
	return agentmodels.MatchTags(h.Tags, selector)
}
