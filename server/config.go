package server

// Config is the completion server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	ListenAddr string

	// Upstream Ollama URL (e.g., "http://localhost:11434")
	UpstreamURL string

	// Model requested upstream when a chat does not name one.
	Model string

	// DBPath is the transcript SQLite database. Empty keeps transcripts in memory.
	DBPath string
}
