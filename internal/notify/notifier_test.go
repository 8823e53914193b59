package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniface360/sentinel/internal/detect"
	"github.com/uniface360/sentinel/internal/events"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.titles)
}

func warningEvent(category detect.Category) events.Event {
	return events.Event{
		Category:   category,
		Severity:   events.SeverityWarning,
		CameraName: "front",
		Message:    "something happened",
		At:         time.Now(),
	}
}

func TestNotifierSendsWarningAndAbove(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(events.NewBus(), sender, time.Minute)

	n.handle(warningEvent(detect.CategoryPPE))
	assert.Equal(t, 1, sender.count())

	critical := warningEvent(detect.CategorySmoke)
	critical.Severity = events.SeverityCritical
	n.handle(critical)
	assert.Equal(t, 2, sender.count())
}

func TestNotifierIgnoresInfo(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(events.NewBus(), sender, time.Minute)

	ev := warningEvent(detect.CategoryPerson)
	ev.Severity = events.SeverityInfo
	n.handle(ev)

	assert.Equal(t, 0, sender.count())
}

func TestNotifierCooldownPerCategory(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(events.NewBus(), sender, time.Minute)

	n.handle(warningEvent(detect.CategoryPPE))
	n.handle(warningEvent(detect.CategoryPPE))
	assert.Equal(t, 1, sender.count(), "second PPE alert inside the cooldown is throttled")

	// A different category has its own cooldown.
	smoke := warningEvent(detect.CategorySmoke)
	smoke.Severity = events.SeverityCritical
	n.handle(smoke)
	assert.Equal(t, 2, sender.count())
}

func TestNotifierCooldownExpires(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(events.NewBus(), sender, 30*time.Millisecond)

	n.handle(warningEvent(detect.CategoryPPE))
	time.Sleep(40 * time.Millisecond)
	n.handle(warningEvent(detect.CategoryPPE))

	assert.Equal(t, 2, sender.count())
}

func TestNotifierDeliveryFailureIsDropped(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	n := NewNotifier(events.NewBus(), sender, time.Minute)

	// Must not panic or retry; the failure is logged and dropped.
	n.handle(warningEvent(detect.CategoryPPE))
	assert.Equal(t, 0, sender.count())

	// A failed send must not burn the cooldown: the next alert in the same
	// category goes out as soon as delivery recovers.
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	n.handle(warningEvent(detect.CategoryPPE))
	assert.Equal(t, 1, sender.count())
}

func TestNotifierBusIntegration(t *testing.T) {
	bus := events.NewBus()
	sender := &recordingSender{}
	n := NewNotifier(bus, sender, time.Minute)

	n.Start()
	bus.Publish(warningEvent(detect.CategoryPPE))

	require.Eventually(t, func() bool { return sender.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	n.Stop()
	n.Stop()
}

func TestNewShoutrrrSenderRequiresURL(t *testing.T) {
	_, err := NewShoutrrrSender(nil, time.Second)
	assert.Error(t, err)
}
