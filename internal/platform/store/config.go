package store

// Config aggregates per backend configuration
type Config struct {
	AppName string

	PG PGConfig
	WH WHConfig
}

// PGConfig configures postgres connectivity and tracing
type PGConfig struct {
	Enabled     bool
	URL         string
	MaxConns    int32
	LogSQL      bool
	SlowQueryMs int
}

// WHConfig configures warehouse (ClickHouse) connectivity
type WHConfig struct {
	Enabled    bool
	URL        string
	ClientName string
}
