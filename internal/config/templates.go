package config

import (
	"fmt"
	"os"
	"strings"
)

// Template renders a commented node config for nodeID. Empty values fall
// back to the defaults.
func Template(nodeID, httpAddr, peerAddr string) string {
	def := Default()
	if strings.TrimSpace(nodeID) == "" {
		nodeID = def.Node.ID
	}
	if strings.TrimSpace(httpAddr) == "" {
		httpAddr = def.Node.HTTPAddr
	}
	if strings.TrimSpace(peerAddr) == "" {
		peerAddr = "127.0.0.1" + def.Node.PeerListenAddr
	}
	return fmt.Sprintf(nodeTemplate, nodeID, httpAddr, listenPart(peerAddr), nodeID, peerAddr)
}

// WriteTemplate writes Template to path, refusing to replace an existing
// file unless overwrite is set.
func WriteTemplate(path, nodeID, httpAddr, peerAddr string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template(nodeID, httpAddr, peerAddr)), 0o600)
}

func listenPart(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return addr
}

const nodeTemplate = `[node]
id = %q
http_addr = %q
peer_listen_addr = %q
cors_origins = ["http://localhost:3000"]
# Bearer token for PUT /membership; empty leaves it open.
admin_token = ""

[cluster]
# id@peer_addr for every live node, this one included.
members = ["%s@%s"]
membership_version = 1
virtual_nodes = 128
dial_timeout = "2s"
request_timeout = "2s"
security_mode = "development"

[cluster.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[router]
ack_timeout = "500ms"
max_attempts = 3
max_hops = 2
backoff_initial = "50ms"
backoff_max = "1s"
backoff_multiplier = 2.0
backoff_jitter = true

[session]
idle_timeout = "60s"
evict_timeout = "2s"
max_frames_per_second = 50.0
frame_burst = 100
max_decode_errors = 8
max_frame_bytes = 65536

[websocket]
ping_interval = "20s"
write_timeout = "5s"
send_buffer = 256
`
