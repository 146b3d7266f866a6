package agent

import (
	"testing"
	"time"
)

func expired(d *callDeadline) bool {
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}

func TestCallDeadlineExpires(t *testing.T) {
	d := newCallDeadline(20 * time.Millisecond)
	defer d.stop()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline never expired")
	}
}

func TestCallDeadlinePauseHoldsClock(t *testing.T) {
	d := newCallDeadline(40 * time.Millisecond)
	defer d.stop()

	d.pause()
	d.pause()
	time.Sleep(80 * time.Millisecond)
	d.resume()
	time.Sleep(20 * time.Millisecond)
	if expired(d) {
		t.Fatal("deadline expired while an inner pause was still open")
	}

	d.resume()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline never expired after the last resume")
	}
}

func TestCallDeadlineKeepsElapsedTime(t *testing.T) {
	d := newCallDeadline(100 * time.Millisecond)
	defer d.stop()

	time.Sleep(70 * time.Millisecond)
	d.pause()
	time.Sleep(100 * time.Millisecond)
	d.resume()

	// Only the unspent part of the budget remains.
	select {
	case <-d.Done():
	case <-time.After(70 * time.Millisecond):
		t.Fatal("resume restarted the full budget")
	}
}

func TestCallDeadlineStop(t *testing.T) {
	d := newCallDeadline(10 * time.Millisecond)
	d.stop()
	d.resume()
	time.Sleep(30 * time.Millisecond)
	if expired(d) {
		t.Fatal("stopped deadline expired")
	}
}
