package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// printer writes store changes as a chat transcript: each entry once when
// it appears, plus a line whenever its delivery state changes.
type printer struct {
	w io.Writer

	mu      sync.Mutex
	active  string
	seen    map[domain.Handle]domain.DeliveryState
	lastErr string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, seen: make(map[domain.Handle]domain.DeliveryState)}
}

// seed marks everything in snap as already printed.
func (p *printer) seed(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = snap.ActiveID()
	for _, e := range snap.Messages {
		p.seen[e.Handle] = e.State()
	}
	p.lastErr = snap.Error
}

func (p *printer) render(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id := snap.ActiveID(); id != p.active {
		p.active = id
		p.seen = make(map[domain.Handle]domain.DeliveryState)
		if snap.Active != nil {
			fmt.Fprintf(p.w, "--- %s (%s) ---\n", snap.Active.Title, snap.Active.ID)
		}
	}
	for _, e := range snap.Messages {
		state := e.State()
		prev, ok := p.seen[e.Handle]
		switch {
		case !ok:
			fmt.Fprintln(p.w, formatEntry(e))
		case prev != state:
			fmt.Fprintf(p.w, "  [%s] %s\n", state, truncate(e.Message.Content, 40))
		}
		p.seen[e.Handle] = state
	}
	if snap.Error != "" && snap.Error != p.lastErr {
		fmt.Fprintf(p.w, "! %s\n", snap.Error)
	}
	p.lastErr = snap.Error
}

func formatEntry(e domain.Entry) string {
	who := "you"
	if e.Message.Sender == domain.SenderAI {
		who = "ai"
	}
	line := fmt.Sprintf("%s %-3s> %s", clock(e.Message.CreatedAt), who, e.Message.Content)
	if e.Message.Image != nil {
		line += fmt.Sprintf(" [image: %s]", e.Message.Image.URL)
	}
	if st := e.State(); st != domain.Confirmed {
		line += fmt.Sprintf(" (%s)", st)
	}
	return line
}

func printConversations(w io.Writer, convs []domain.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tLAST MESSAGE\tUNREAD")
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Content, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.ID, c.Title, last, c.Unread)
	}
	tw.Flush()
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
