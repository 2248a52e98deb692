package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/playermesh/internal/logging"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "cmd/meshclient/client.toml"

var errUsage = errors.New("usage: <player>: <message>")

// clientConfig holds the last used endpoint and player name.
type clientConfig struct {
	URL      string `toml:"url"`
	Username string `toml:"username"`
}

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "client config path (TOML)")
	url := flag.String("url", "", "node websocket url, e.g. ws://127.0.0.1:8080/ws")
	user := flag.String("user", "", "player name to log in as")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Error().Err(err).Str("path", *cfgPath).Msg("meshclient config load failed")
		os.Exit(1)
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *user != "" {
		cfg.Username = *user
	}
	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		log.Error().Err(err).Msg("meshclient exited")
		os.Exit(1)
	}
}

func loadConfig(path string) (clientConfig, error) {
	cfg := clientConfig{URL: "ws://127.0.0.1:8080/ws"}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func run(cfg clientConfig, in io.Reader, out io.Writer) error {
	if strings.TrimSpace(cfg.Username) == "" {
		return errors.New("username required (-user)")
	}
	conn, resp, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var next atomic.Uint64
	send := func(body envelope.Body) error {
		raw, err := envelope.Encode(envelope.Envelope{MessageID: next.Add(1), Body: body})
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, raw)
	}

	if err := send(envelope.Login{Username: cfg.Username}); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := envelope.Decode(payload)
			if err != nil {
				log.Warn().Err(err).Msg("meshclient dropped undecodable frame")
				continue
			}
			fmt.Fprintln(out, render(env))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case err := <-readErr:
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				fmt.Fprintf(out, "* closed by server: %s\n", ce.Text)
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
					time.Now().Add(time.Second),
				)
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			to, content, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if err := send(envelope.SendMessage{To: to, Content: content}); err != nil {
				return err
			}
		}
	}
}

// parseLine splits "<player>: <message>".
func parseLine(line string) (string, string, error) {
	to, content, ok := strings.Cut(line, ":")
	to = strings.TrimSpace(to)
	if !ok || to == "" {
		return "", "", errUsage
	}
	return to, strings.TrimSpace(content), nil
}

func render(env envelope.Envelope) string {
	switch b := env.Body.(type) {
	case envelope.LoginResult:
		if !b.Success {
			return "* login rejected: " + b.Message
		}
		return fmt.Sprintf("* logged in as %s: %s", b.UserID, b.Message)
	case envelope.ReceiveNotification:
		return fmt.Sprintf("[%s] %s: %s",
			time.UnixMilli(b.Timestamp).Format(time.TimeOnly), b.From, b.Content)
	case envelope.Error:
		if b.Detail == "" {
			return fmt.Sprintf("! %s (message %d)", b.Code, env.MessageID)
		}
		return fmt.Sprintf("! %s (message %d): %s", b.Code, env.MessageID, b.Detail)
	default:
		return fmt.Sprintf("? unexpected %v", env.Kind())
	}
}
