package main

import (
	"flag"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Flags holds the client's command-line options.
type Flags struct {
	Server string
	Secure bool
	Debug  bool
}

// parseFlags parses command-line flags.
func parseFlags() Flags {
	serverAddr := flag.String("server", "localhost:9000", "The network address of the sequencer")
	useSecureConn := flag.Bool("secure", false, "Enable a secure WebSocket connection (wss://)")
	enableDebug := flag.Bool("debug", false, "Enable debugging mode to show more verbose logs")

	flag.Parse()

	return Flags{
		Server: *serverAddr,
		Secure: *useSecureConn,
		Debug:  *enableDebug,
	}
}

// createConn creates a WebSocket connection to the sequencer.
func createConn(flags Flags) (*websocket.Conn, *http.Response, error) {
	scheme := "ws"
	if flags.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: flags.Server, Path: "/"}

	dialer := websocket.Dialer{
		HandshakeTimeout: 2 * time.Minute,
	}
	return dialer.Dial(u.String(), nil)
}

// setupLogger routes the client's structured logs to ~/.weft/client.log so
// they never interleave with the interactive console. Returns the log file
// for the caller to close.
func setupLogger(logger *logrus.Logger, debug bool) (*os.File, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		// No home directory; log next to the binary.
		home = "."
	}
	logDir := filepath.Join(home, ".weft")
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(logDir, "client.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	logger.SetOutput(logFile)
	logger.SetFormatter(&logrus.JSONFormatter{})
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logFile, nil
}
