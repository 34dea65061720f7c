// ABOUTME: Terminal chat client for parley-gateway over the websocket API
// ABOUTME: Binds to one contact, prints new messages and typing, sends typed lines

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// getToken returns the token from PARLEY_TOKEN or ~/.config/parley/token.
func getToken() string {
	if token := os.Getenv("PARLEY_TOKEN"); token != "" {
		return token
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "parley", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type userEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type message struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"sender_id"`
	Text        string    `json:"text"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}

// serverFrame is the union of every frame the gateway sends.
type serverFrame struct {
	Type            string    `json:"type"`
	RequestID       string    `json:"request_id"`
	ConversationKey string    `json:"conversation_key"`
	RemoteUserID    string    `json:"remote_user_id"`
	Messages        []message `json:"messages"`
	Typing          bool      `json:"typing"`
	UserID          string    `json:"user_id"`
	MessageID       string    `json:"message_id"`
	Duplicate       bool      `json:"duplicate"`
	Code            string    `json:"code"`
	Message         string    `json:"message"`
	Retryable       bool      `json:"retryable"`
	Reason          string    `json:"reason"`
}

type clientFrame struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id,omitempty"`
	RemoteUserID    string `json:"remote_user_id,omitempty"`
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	token := flag.String("token", "", "Bearer token (defaults to PARLEY_TOKEN or ~/.config/parley/token)")
	to := flag.String("to", "", "Email or user id of the contact to chat with")
	flag.Parse()

	if *token == "" {
		*token = getToken()
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: no token; pass -token or set PARLEY_TOKEN")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *token, *to); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, server, token, to string) error {
	users, err := listUsers(ctx, server, token)
	if err != nil {
		return err
	}
	if to == "" {
		printUsers(users)
		return errors.New("-to is required")
	}
	contact, ok := findUser(users, to)
	if !ok {
		return fmt.Errorf("no user matches %q", to)
	}

	conn, err := dial(ctx, server, token)
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &client{conn: conn, contact: contact, done: make(chan struct{})}
	go c.readLoop()

	if err := c.write(clientFrame{Type: "bind", RequestID: c.nextID(), RemoteUserID: contact.ID}); err != nil {
		return err
	}

	fmt.Printf("Chatting with %s. /help for commands. Ctrl+C to quit.\n\n", label(contact))
	return c.inputLoop(ctx)
}

func listUsers(ctx context.Context, server, token string) ([]userEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing users: status %d", resp.StatusCode)
	}
	var body struct {
		Users []userEntry `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}
	return body.Users, nil
}

func findUser(users []userEntry, query string) (userEntry, bool) {
	for _, u := range users {
		if u.ID == query || strings.EqualFold(u.Email, query) {
			return u, true
		}
	}
	return userEntry{}, false
}

func printUsers(users []userEntry) {
	fmt.Println("Contacts:")
	for _, u := range users {
		fmt.Printf("  %-36s  %s\n", u.ID, label(u))
	}
}

func label(u userEntry) string {
	if u.DisplayName != "" {
		return u.DisplayName + " <" + u.Email + ">"
	}
	return u.Email
}

func dial(ctx context.Context, server, token string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return conn, nil
}

type client struct {
	conn    *websocket.Conn
	contact userEntry
	lastSeq int64
	typing  bool // contact's last announced typing state
	reqID   int
	done    chan struct{}
}

func (c *client) nextID() string {
	c.reqID++
	return strconv.Itoa(c.reqID)
}

// write sends one frame. Only the input loop writes.
func (c *client) write(f clientFrame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

func (c *client) readLoop() {
	defer close(c.done)
	gray := color.New(color.FgHiBlack)
	red := color.New(color.FgRed)

	for {
		var f serverFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				red.Printf("\nconnection lost: %v\n", err)
			}
			return
		}

		switch f.Type {
		case "bound":
			gray.Printf("bound to %s\n", f.ConversationKey)
		case "messages":
			c.printNew(f.Messages)
		case "typing":
			// Typing frames repeat while the window is extended; announce the start only.
			peer := f.Typing && f.UserID == c.contact.ID
			if peer && !c.typing {
				gray.Printf("%s is typing...\n", label(c.contact))
			}
			c.typing = peer
		case "error":
			red.Printf("error [%s]: %s", f.Code, f.Message)
			if f.Retryable {
				red.Print(" (retry)")
			}
			fmt.Println()
		case "closed":
			gray.Printf("session closed: %s\n", f.Reason)
			return
		}
	}
}

// printNew prints messages past the last one shown. Snapshots are complete,
// so anything at or below lastSeq has been printed already.
func (c *client) printNew(msgs []message) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	for _, m := range msgs {
		if m.Seq <= c.lastSeq {
			continue
		}
		c.lastSeq = m.Seq
		name := m.DisplayName
		if name == "" {
			name = m.SenderID
		}
		who := cyan
		if m.SenderID != c.contact.ID {
			who = green
		}
		gray.Printf("%s ", m.CreatedAt.Local().Format("15:04"))
		who.Printf("%s: ", name)
		fmt.Printf("%s ", m.Text)
		gray.Printf("[%s]\n", m.ID)
	}
}

func (c *client) inputLoop(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return c.closeConn()
		case <-c.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return c.closeConn()
			}
			quit, err := c.handleLine(strings.TrimSpace(line))
			if err != nil {
				return err
			}
			if quit {
				return c.closeConn()
			}
		}
	}
}

func (c *client) handleLine(line string) (quit bool, err error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/help":
		fmt.Println("  /typing        show the contact that you are typing")
		fmt.Println("  /read ID       mark a received message read")
		fmt.Println("  /signout       end the session on the server")
		fmt.Println("  /quit          leave")
		return false, nil
	case line == "/typing":
		return false, c.write(clientFrame{Type: "typing"})
	case line == "/signout":
		return false, c.write(clientFrame{Type: "sign_out"})
	case strings.HasPrefix(line, "/read "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/read "))
		return false, c.write(clientFrame{Type: "mark_read", RequestID: c.nextID(), MessageID: id})
	case strings.HasPrefix(line, "/"):
		fmt.Println("unknown command; /help lists them")
		return false, nil
	default:
		return false, c.write(clientFrame{
			Type:            "send",
			RequestID:       c.nextID(),
			Text:            line,
			ClientMessageID: uuid.NewString(),
		})
	}
}

func (c *client) closeConn() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return nil
}
