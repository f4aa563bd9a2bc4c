package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dm/internal/loadtest/client"
	"github.com/whisper/dm/internal/loadtest/stats"
	"github.com/whisper/dm/internal/protocol"
)

// participant is one side of a load test conversation.
type participant struct {
	c         *client.Client
	userID    string
	collector *stats.Collector

	opened chan string // conversation id, once

	mu   sync.Mutex
	sent map[string]time.Time // client id -> send time, until acked
	peer *participant
	seen map[string]bool // peer client ids already seen
}

func newParticipant(c *client.Client, collector *stats.Collector) *participant {
	p := &participant{
		c:         c,
		userID:    c.UserID(),
		collector: collector,
		opened:    make(chan string, 1),
		sent:      make(map[string]time.Time),
		seen:      make(map[string]bool),
	}

	c.On(protocol.TypeConversation, func(data json.RawMessage) {
		var m protocol.ConversationMsg
		if json.Unmarshal(data, &m) == nil {
			select {
			case p.opened <- m.Conversation.ID:
			default:
			}
		}
	})
	c.On(protocol.TypeSendAck, func(data json.RawMessage) {
		var m protocol.SendAckMsg
		if json.Unmarshal(data, &m) != nil {
			return
		}
		if at, ok := p.sentAt(m.ClientID); ok {
			collector.AddAck(time.Since(at))
		}
	})
	c.On(protocol.TypeSendFailed, func(data json.RawMessage) {
		var m protocol.SendFailedMsg
		if json.Unmarshal(data, &m) == nil {
			collector.AddFailure(m.Code)
		}
	})
	c.On(protocol.TypeRateLimited, func(json.RawMessage) {
		collector.AddFailure("rate_limited")
	})
	c.On(protocol.TypeError, func(json.RawMessage) {
		collector.AddError()
	})
	c.On(protocol.TypeMessages, func(data json.RawMessage) {
		var m protocol.MessagesMsg
		if json.Unmarshal(data, &m) == nil {
			p.observe(m.Messages)
		}
	})
	return p
}

func (p *participant) pair(peer *participant) {
	p.mu.Lock()
	p.peer = peer
	p.mu.Unlock()
}

func (p *participant) sentAt(clientID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.sent[clientID]
	return at, ok
}

// observe records delivery latency for peer messages seen for the first
// time.
func (p *participant) observe(msgs []protocol.MessageView) {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return
	}
	for _, m := range msgs {
		if m.SenderID != peer.userID || m.ClientID == "" {
			continue
		}
		p.mu.Lock()
		fresh := !p.seen[m.ClientID]
		p.seen[m.ClientID] = true
		p.mu.Unlock()
		if !fresh {
			continue
		}
		if at, ok := peer.sentAt(m.ClientID); ok {
			p.collector.AddDelivery(time.Since(at))
		}
	}
}

func (p *participant) send(convID, text string) error {
	clientID := uuid.NewString()
	p.mu.Lock()
	p.sent[clientID] = time.Now()
	p.mu.Unlock()
	return p.c.Send(protocol.SendMsg{
		Type:           protocol.TypeSend,
		ConversationID: convID,
		ClientID:       clientID,
		Text:           text,
	})
}

// runConverse connects pairs of users, has one side of each pair open the
// conversation by peer id and the other by conversation id, then lets
// both sides send on an interval. It measures send acknowledgement and
// delivery latency.
func runConverse(args []string) {
	fs := flag.NewFlagSet("converse", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair converses")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL (empty to skip)")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	idf := addIdentityFlags(fs)
	fs.Parse(args)

	u, err := newUsers(idf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer u.close()

	fmt.Printf("Converse test: %d pairs to %s (duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	text := strings.Repeat("x", max(*msgSize, 1))
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	fmt.Println("\n--- Conversations ---")
	for i := 0; i < *pairs; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPair(ctx, u, i, *url, sem, collector, text, *duration, *msgInterval)
		}()
	}

	progressStop := make(chan struct{})
	go reportProgress("converse", *pairs*2, collector, 2*time.Second, progressStop)
	wg.Wait()
	close(progressStop)

	collector.Report(os.Stdout)
}

func runPair(ctx context.Context, u *users, i int, url string, sem chan struct{},
	collector *stats.Collector, text string, duration, interval time.Duration) {
	connect := func(n int) *participant {
		sem <- struct{}{}
		defer func() { <-sem }()
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := dial(connCtx, u, n, url)
		if err != nil {
			collector.AddError()
			return nil
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		return newParticipant(c, collector)
	}

	a := connect(2 * i)
	if a == nil {
		return
	}
	defer a.c.Close()
	b := connect(2*i + 1)
	if b == nil {
		return
	}
	defer b.c.Close()
	a.pair(b)
	b.pair(a)

	convID, err := openPair(ctx, a, b)
	if err != nil {
		collector.AddError()
		return
	}

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for turn := 0; ; turn++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			// Let the last acks arrive.
			time.Sleep(interval)
			return
		case <-ticker.C:
			from := a
			if turn%2 == 1 {
				from = b
			}
			if err := from.send(convID, text); err != nil {
				collector.AddError()
				return
			}
		}
	}
}

// openPair opens the conversation on both sides and returns its id.
func openPair(ctx context.Context, a, b *participant) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.c.Send(protocol.OpenMsg{Type: protocol.TypeOpen, PeerID: b.userID}); err != nil {
		return "", err
	}
	var convID string
	select {
	case convID = <-a.opened:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if err := b.c.Send(protocol.OpenConversationMsg{Type: protocol.TypeOpenConversation, ConversationID: convID}); err != nil {
		return "", err
	}
	select {
	case <-b.opened:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := b.c.Send(protocol.FocusMsg{Type: protocol.TypeFocus, ConversationID: convID}); err != nil {
		return "", err
	}
	return convID, nil
}
