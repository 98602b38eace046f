package watch

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	json "github.com/json-iterator/go"
	"github.com/zfogg/sidechain/realtime/pkg/events"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/reconcile"
	"github.com/zfogg/sidechain/realtime/pkg/realtime/transport"
)

// Printer renders hook state as it changes. Safe for concurrent use.
type Printer struct {
	mu      sync.Mutex
	w       io.Writer
	jsonOut bool
	limit   int
	now     func() time.Time
}

// NewPrinter writes to w, as JSON lines when jsonOut is set. limit caps the
// number of items shown per collection; zero shows everything.
func NewPrinter(w io.Writer, jsonOut bool, limit int) *Printer {
	return &Printer{w: w, jsonOut: jsonOut, limit: limit, now: time.Now}
}

type snapshot struct {
	Kind  string      `json:"kind"`
	At    time.Time   `json:"at"`
	Count int         `json:"count"`
	Items interface{} `json:"items,omitempty"`
	Value *int64      `json:"value,omitempty"`
}

func (p *Printer) emitJSON(s snapshot) {
	s.At = p.now().UTC()
	data, err := json.Marshal(s)
	if err != nil {
		fmt.Fprintf(p.w, "{\"kind\":\"error\",\"error\":%q}\n", err.Error())
		return
	}
	fmt.Fprintln(p.w, string(data))
}

func (p *Printer) header(title string, n int) {
	bold := color.New(color.Bold)
	bold.Fprintf(p.w, "%s %s (%d)\n", p.now().Format("15:04:05"), title, n)
}

// Posts prints the reconciled feed. Pending entries are marked.
func (p *Printer) Posts(posts []events.Post) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOut {
		p.emitJSON(snapshot{Kind: "posts", Count: len(posts), Items: posts})
		return
	}

	p.header("posts", len(posts))
	pending := color.New(color.FgYellow)
	id := color.New(color.FgCyan)
	for i, post := range posts {
		if p.limit > 0 && i >= p.limit {
			fmt.Fprintf(p.w, "  ... %d more\n", len(posts)-i)
			break
		}
		author := post.AuthorName
		if author == "" {
			author = post.AuthorID
		}
		if reconcile.IsTempID(post.ID) {
			pending.Fprintf(p.w, "  %-22s", post.ID)
			fmt.Fprintf(p.w, " %s: %s ", author, oneLine(post.Content))
			pending.Fprintln(p.w, "(pending)")
			continue
		}
		id.Fprintf(p.w, "  %-22s", post.ID)
		fmt.Fprintf(p.w, " %s: %s\n", author, oneLine(post.Content))
	}
}

// Groups prints the visible groups.
func (p *Printer) Groups(groups []events.Group) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOut {
		p.emitJSON(snapshot{Kind: "groups", Count: len(groups), Items: groups})
		return
	}

	p.header("groups", len(groups))
	private := color.New(color.FgMagenta)
	for i, g := range groups {
		if p.limit > 0 && i >= p.limit {
			fmt.Fprintf(p.w, "  ... %d more\n", len(groups)-i)
			break
		}
		fmt.Fprintf(p.w, "  %-22s %s (%d members)", g.ID, g.Name, len(g.MemberIDs))
		if g.Visibility == events.VisibilityPrivate {
			private.Fprint(p.w, " private")
		}
		fmt.Fprintln(p.w)
	}
}

// Unread prints the unread counter.
func (p *Printer) Unread(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOut {
		p.emitJSON(snapshot{Kind: "unread", Value: &n})
		return
	}

	c := color.New(color.FgGreen)
	if n > 0 {
		c = color.New(color.FgRed, color.Bold)
	}
	fmt.Fprintf(p.w, "%s unread ", p.now().Format("15:04:05"))
	c.Fprintf(p.w, "%d\n", n)
}

// System prints gateway system messages.
func (p *Printer) System(msg transport.SystemMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jsonOut {
		p.emitJSON(snapshot{Kind: "system", Items: msg})
		return
	}

	info := color.New(color.FgCyan)
	switch msg.Event {
	case transport.SystemConnected:
		info.Fprintf(p.w, "connected to %v as %v\n", msg.Data["instance_id"], msg.Data["user_id"])
	case transport.SystemShutdown:
		color.New(color.FgYellow).Fprintf(p.w, "gateway shutting down: %s\n", msg.Message)
	default:
		info.Fprintf(p.w, "system %s %s\n", msg.Event, msg.Message)
	}
}

// Info prints a status line.
func (p *Printer) Info(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jsonOut {
		return
	}
	color.New(color.FgCyan).Fprintf(p.w, format+"\n", args...)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
