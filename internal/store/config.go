package store

// StoreConfig selects and configures the storage backend for a running engine.
type StoreConfig struct {
	// PostgresDSN, when set, switches History/Sessions/ConversationMemory to Postgres-backed
	// implementations. When empty, the engine uses file-backed storage under DataDir.
	PostgresDSN string
	DataDir     string
}
