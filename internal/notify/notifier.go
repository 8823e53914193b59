// Package notify delivers alert messages for high-priority events.
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/zap"

	"github.com/uniface360/sentinel/internal/detect"
	"github.com/uniface360/sentinel/internal/events"
)

// DefaultCooldown is the minimum spacing between two alerts of the same
// category. Debounced events arrive more often than anyone wants email.
const DefaultCooldown = 60 * time.Second

// Sender delivers one rendered alert. Satisfied by shoutrrrSender; tests
// substitute their own.
type Sender interface {
	Send(ctx context.Context, title, body string) error
}

type shoutrrrSender struct {
	router *router.ServiceRouter
}

// NewShoutrrrSender builds a Sender from one or more shoutrrr service URLs
// (smtp://, telegram://, and so on).
func NewShoutrrrSender(urls []string, timeout time.Duration) (Sender, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("creating notification sender: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &shoutrrrSender{router: sender}, nil
}

func (s *shoutrrrSender) Send(_ context.Context, title, body string) error {
	params := stypes.Params{}
	params.SetTitle(title)
	for _, err := range s.router.Send(body, &params) {
		if err != nil {
			return err
		}
	}
	return nil
}

// Notifier subscribes to the event bus and sends alerts for events at
// warning severity or above, rate limited per category. Delivery failures
// are logged and dropped; alerting never backpressures the pipeline.
type Notifier struct {
	bus      *events.Bus
	sender   Sender
	cooldown time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	lastSent map[detect.Category]time.Time
	running  bool
	sub      chan events.Event
	done     chan struct{}

	sent      int64
	throttled int64
}

func NewNotifier(bus *events.Bus, sender Sender, cooldown time.Duration) *Notifier {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Notifier{
		bus:      bus,
		sender:   sender,
		cooldown: cooldown,
		log:      zap.L().Named("notifier"),
		lastSent: make(map[detect.Category]time.Time),
	}
}

// Start subscribes to the bus and begins draining it. No-op when already
// running or when no sender is configured.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running || n.sender == nil {
		return
	}
	n.sub = n.bus.Subscribe()
	n.done = make(chan struct{})
	n.running = true
	go n.run(n.sub)
}

// Stop unsubscribes and waits for the drain goroutine to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	sub := n.sub
	done := n.done
	n.mu.Unlock()

	n.bus.Unsubscribe(sub)
	<-done
}

func (n *Notifier) run(sub chan events.Event) {
	defer close(n.done)
	for ev := range sub {
		n.handle(ev)
	}
}

func (n *Notifier) handle(ev events.Event) {
	if ev.Severity == events.SeverityInfo {
		return
	}

	n.mu.Lock()
	last, seen := n.lastSent[ev.Category]
	if seen && time.Since(last) < n.cooldown {
		n.throttled++
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title := fmt.Sprintf("[%s] %s alert", ev.Severity, ev.Category)
	body := fmt.Sprintf("%s\n\nCamera: %s\nTime: %s\nConfidence: %.2f",
		ev.Message, ev.CameraName, ev.At.Format(time.RFC1123), ev.Confidence)

	if err := n.sender.Send(ctx, title, body); err != nil {
		// A failed delivery must not consume the cooldown window; the next
		// alert in this category still gets its chance.
		n.log.Error("alert delivery failed",
			zap.String("category", string(ev.Category)),
			zap.Error(err))
		return
	}

	n.mu.Lock()
	n.lastSent[ev.Category] = time.Now()
	n.sent++
	n.mu.Unlock()

	n.log.Info("alert sent",
		zap.String("category", string(ev.Category)),
		zap.String("severity", string(ev.Severity)))
}
