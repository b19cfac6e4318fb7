package core

// Version is reported by the health endpoint and the CLI.
const Version = "0.1.0"
