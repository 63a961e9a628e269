package config

// AppDirName is the per-user directory under $HOME.
const AppDirName = ".lairs-and-llamas"

// DefaultListenAddr binds loopback on any free port.
const DefaultListenAddr = "127.0.0.1:0"

const DefaultClaudeBin = "claude"

const (
	DefaultDiceSettleMs   = 1400
	DefaultTunnelHost     = "https://localtunnel.me"
	DefaultTunnelTimeoutS = 30
	DefaultTunnelRetryMs  = 3000
	DefaultCommandRate    = 20
	DefaultCommandBurst   = 40
)
