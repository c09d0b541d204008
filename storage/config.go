package storage

// Backends.
const (
	MemBackend  string = "mem"
	FileBackend string = "file"
)

// DefaultBackend is the backend used when none is configured.
const DefaultBackend = MemBackend

// Config represents configuration for fragment storage.
type Config struct {
	Backend string `toml:"backend"`

	// FsyncEnabled syncs file fragments after every write.
	FsyncEnabled bool `toml:"fsync"`
}

// NewDefaultConfig returns a new Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Backend:      DefaultBackend,
		FsyncEnabled: true,
	}
}
