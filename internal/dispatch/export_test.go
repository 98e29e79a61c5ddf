package dispatch

import "time"

// SetClockForTest overrides the dispatcher's time source.
func (d *Dispatcher) SetClockForTest(now func() time.Time) {
	d.now = now
}

// SetClockForTest overrides the client's time source.
func (c *Client) SetClockForTest(now func() time.Time) {
	c.now = now
}
