// Package scanner provides the scan-input classifier that separates hardware
// barcode-scanner bursts from incidental human typing.
package scanner

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kimhsiao/showtrack/internal/logging"
)

// KeyEnter is the terminator key scanners emit after each barcode.
const KeyEnter = "Enter"

// KeyEvent is one raw key press delivered by the embedding UI.
type KeyEvent struct {
	// Key is the key identifier: a single character, or a control
	// name such as "Enter". Multi-character identifiers other than
	// Enter are ignored.
	Key string

	// At is the wall-clock timestamp of the press.
	At time.Time

	// FieldFocused reports whether a text input, text area, or select
	// control currently has focus. Scanner emulation is only trusted
	// when no form field is focused.
	FieldFocused bool
}

// Classifier accumulates fast keystroke bursts into discrete barcode values.
// A gap between keystrokes at or above the burst threshold starts a new
// buffer; Enter emits the trimmed buffer to the active callback.
type Classifier struct {
	burstThreshold time.Duration
	idleFlush      time.Duration

	mu        sync.Mutex
	buf       strings.Builder
	lastKeyAt time.Time
	callback  func(string)
	listening bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClassifier creates a Classifier with the given timing tunables.
func NewClassifier(burstThreshold, idleFlush time.Duration) *Classifier {
	return &Classifier{
		burstThreshold: burstThreshold,
		idleFlush:      idleFlush,
	}
}

// StartListening activates the classifier. Subsequent qualifying bursts
// invoke callback with the emitted barcode value. Calling it again
// replaces the previous callback and resets the buffer.
func (c *Classifier) StartListening(callback func(string)) {
	c.mu.Lock()
	c.callback = callback
	c.buf.Reset()
	alreadyListening := c.listening
	c.listening = true
	if !alreadyListening {
		c.stopCh = make(chan struct{})
	}
	c.mu.Unlock()

	if !alreadyListening {
		c.wg.Add(1)
		go c.janitorLoop()
	}
}

// StopListening deactivates the classifier, discards any partial buffer,
// and removes the callback.
func (c *Classifier) StopListening() {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = false
	c.callback = nil
	c.buf.Reset()
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()
}

// HandleKey feeds one key event into the classifier.
func (c *Classifier) HandleKey(ev KeyEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.listening || c.callback == nil {
		return
	}

	// Typing inside a form field is never scanner input
	if ev.FieldFocused {
		return
	}

	if ev.Key == KeyEnter {
		if c.buf.Len() == 0 {
			return
		}
		value := strings.TrimSpace(c.buf.String())
		c.buf.Reset()
		if value == "" {
			return
		}
		cb := c.callback
		// Release the lock for the callback: it may call back into
		// the store and must not hold up further key events.
		c.mu.Unlock()
		logging.Debug("barcode emitted", map[string]interface{}{"length": len(value)})
		cb(value)
		c.mu.Lock()
		return
	}

	if utf8.RuneCountInString(ev.Key) != 1 {
		// Modifier and navigation keys carry multi-character names
		return
	}

	if c.buf.Len() == 0 || ev.At.Sub(c.lastKeyAt) < c.burstThreshold {
		// Fast burst path characteristic of scanner hardware
		c.buf.WriteString(ev.Key)
	} else {
		// Too slow for a scanner: start a fresh burst
		c.buf.Reset()
		c.buf.WriteString(ev.Key)
	}
	c.lastKeyAt = ev.At
}

// janitorLoop discards a stale partial buffer that stopped receiving
// characters, so a leftover fragment cannot contaminate a later scan.
func (c *Classifier) janitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.idleFlush)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.buf.Len() > 0 && time.Since(c.lastKeyAt) >= c.idleFlush {
				c.buf.Reset()
			}
			c.mu.Unlock()
		}
	}
}
