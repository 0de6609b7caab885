package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/ent0n29/avatarlink/internal/avatar"
)

type options struct {
	baseURL string
	userID  string
	timeout time.Duration
	verbose bool
}

type commandKind int

const (
	cmdSkip commandKind = iota
	cmdMessage
	cmdRepeat
	cmdEnd
)

type command struct {
	kind commandKind
	text string
}

type sessionResponse struct {
	SessionID string       `json:"session_id"`
	State     avatar.State `json:"state"`
	Error     string       `json:"error,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "avatarctl: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "avatarctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := pflag.NewFlagSet("avatarctl", pflag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "avatarlink base URL")
	fs.StringVar(&cfg.userID, "user-id", "avatarctl", "user_id for the session")
	fs.DurationVar(&cfg.timeout, "timeout", 45*time.Second, "per-request timeout")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print every state snapshot")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.timeout <= 0 {
		return options{}, fmt.Errorf("timeout must be > 0")
	}
	return cfg, nil
}

// parseCommand maps one stdin line to an action. "/repeat <text>" repeats
// verbatim, "/end" ends, anything else is a message.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return command{kind: cmdSkip}
	case line == "/end" || line == "/quit":
		return command{kind: cmdEnd}
	case line == "/repeat":
		return command{kind: cmdSkip}
	case strings.HasPrefix(line, "/repeat "):
		text := strings.TrimSpace(strings.TrimPrefix(line, "/repeat "))
		if text == "" {
			return command{kind: cmdSkip}
		}
		return command{kind: cmdRepeat, text: text}
	default:
		return command{kind: cmdMessage, text: line}
	}
}

func run(cfg options, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.timeout}
	created, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := created.SessionID
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	fmt.Fprintf(out, "avatarctl: session=%s %s\n", sessionID, describeState(created.State))

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	readErrCh := make(chan error, 1)
	go readLoop(conn, out, readErrCh, cfg.verbose)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd := parseCommand(line)
			switch cmd.kind {
			case cmdSkip:
				continue
			case cmdEnd:
				return nil
			case cmdMessage:
				err = postText(ctx, httpClient, cfg.baseURL, sessionID, "messages", cmd.text)
			case cmdRepeat:
				err = postText(ctx, httpClient, cfg.baseURL, sessionID, "repeat", cmd.text)
			}
			if err != nil {
				fmt.Fprintf(out, "avatarctl: send failed: %v\n", err)
			}
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (sessionResponse, error) {
	payload, err := json.Marshal(map[string]string{"user_id": cfg.userID})
	if err != nil {
		return sessionResponse{}, err
	}
	var resp sessionResponse
	status, err := doJSON(ctx, client, cfg.baseURL+"/v1/avatar/sessions", payload, &resp)
	if err != nil {
		return sessionResponse{}, err
	}
	if status != http.StatusCreated {
		msg := resp.Error
		if msg == "" {
			msg = describeState(resp.State)
		}
		return sessionResponse{}, fmt.Errorf("HTTP %d: %s", status, msg)
	}
	if resp.SessionID == "" {
		return sessionResponse{}, fmt.Errorf("missing session_id in response")
	}
	return resp, nil
}

func postText(ctx context.Context, client *http.Client, baseURL, sessionID, action, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	var resp struct {
		Error string `json:"error"`
	}
	endpoint := baseURL + "/v1/avatar/sessions/" + url.PathEscape(sessionID) + "/" + action
	status, err := doJSON(ctx, client, endpoint, payload, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("HTTP %d: %s", status, resp.Error)
	}
	return nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	endpoint := baseURL + "/v1/avatar/sessions/" + url.PathEscape(sessionID) + "/end"
	status, err := doJSON(ctx, client, endpoint, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("HTTP %d", status)
	}
	return nil
}

func doJSON(ctx context.Context, client *http.Client, endpoint string, payload []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return res.StatusCode, err
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return res.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/avatar/sessions/" + url.PathEscape(sessionID) + "/events"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, out io.Writer, readErrCh chan<- error, verbose bool) {
	var last avatar.State
	for {
		var st avatar.State
		if err := conn.ReadJSON(&st); err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		if verbose {
			fmt.Fprintf(out, "state: %s\n", describeState(st))
		}
		if st.LastUserUtterance != "" && st.LastUserUtterance != last.LastUserUtterance {
			fmt.Fprintf(out, "user: %s\n", st.LastUserUtterance)
		}
		if st.IsAvatarTalking != last.IsAvatarTalking {
			if st.IsAvatarTalking {
				fmt.Fprintln(out, "avatar: talking")
			} else {
				fmt.Fprintln(out, "avatar: idle")
			}
		}
		if st.Status.IsError() && st.Status != last.Status {
			fmt.Fprintf(out, "error: %s\n", st.Status.Message)
		}
		last = st
	}
}

func describeState(st avatar.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase=%s status=%s", st.Phase, st.Status)
	if st.Degraded {
		fmt.Fprintf(&b, " degraded=%q", st.DegradedReason)
	}
	if st.HasVideoTrack {
		b.WriteString(" video=yes")
	}
	return b.String()
}
