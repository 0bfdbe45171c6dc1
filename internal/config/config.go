// Package config loads the configuration the binary starts from: an optional
// .env-style file and the process environment. There are no command-line
// overrides.
package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the fully resolved set of listen addresses and ambient options.
type Config struct {
	ServerIP string

	ChatPort  int
	FilePort  int
	VideoPort int // signaling HTTPS port; audio sessions share this endpoint (see DESIGN.md)
	AudioPort int

	DataDir      string
	LogLevel     string
	LogFile      string
	CertValidity string
}

const (
	defaultChatPort  = 5555
	defaultFilePort  = 5556
	defaultVideoPort = 5000
	defaultAudioPort = 5000
)

// Load reads the .env file at envPath (missing file is not an
// error — every key simply falls back to the OS environment, then to the
// defaults below), producing the resolved Config.
func Load(envPath string, log *slog.Logger) Config {
	if log == nil {
		log = slog.Default()
	}
	if err := godotenv.Load(envPath); err != nil {
		log.Debug("no .env file loaded", "path", envPath, "err", err)
	}

	return Config{
		ServerIP:     envOr("SERVER_IP", "localhost"),
		ChatPort:     envIntOr("CHAT_PORT", defaultChatPort),
		FilePort:     envIntOr("FILE_PORT", defaultFilePort),
		VideoPort:    envIntOr("VIDEO_PORT", defaultVideoPort),
		AudioPort:    envIntOr("AUDIO_PORT", defaultAudioPort),
		DataDir:      envOr("DATA_DIR", "shadow_nexus_data"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		LogFile:      envOr("LOG_FILE", ""),
		CertValidity: envOr("CERT_VALIDITY", "8760h"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
