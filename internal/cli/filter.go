package cli

import "bytes"

// DetachKey is Ctrl-], the telnet-style escape that ends an attach.
const DetachKey = 0x1d

// Focus reporting (DECSET 1004). While enabled the local terminal reports
// focus changes in the input stream.
const (
	enableFocusReports  = "\x1b[?1004h"
	disableFocusReports = "\x1b[?1004l"
)

var (
	focusIn  = []byte("\x1b[I")
	focusOut = []byte("\x1b[O")
	csi      = []byte("\x1b[")
)

type inputEvent int

const (
	eventFocusIn inputEvent = iota
	eventFocusOut
	eventDetach
)

// inputFilter strips focus reports and the detach key out of raw keyboard
// input. A trailing "ESC [" is held until the next read so a focus report
// split across reads is still recognized; a lone ESC is never held.
//
// inputFilter is not safe for concurrent use.
type inputFilter struct {
	pending []byte
}

// Filter returns the bytes to forward and the events found, in order of
// appearance. Everything after a detach key is discarded.
func (f *inputFilter) Filter(p []byte) ([]byte, []inputEvent) {
	buf := p
	if len(f.pending) > 0 {
		buf = append(f.pending, p...)
		f.pending = nil
	}

	out := make([]byte, 0, len(buf))
	var events []inputEvent
	for i := 0; i < len(buf); {
		switch {
		case buf[i] == DetachKey:
			return out, append(events, eventDetach)
		case bytes.HasPrefix(buf[i:], focusIn):
			events = append(events, eventFocusIn)
			i += len(focusIn)
		case bytes.HasPrefix(buf[i:], focusOut):
			events = append(events, eventFocusOut)
			i += len(focusOut)
		case i == len(buf)-len(csi) && bytes.Equal(buf[i:], csi):
			f.pending = append([]byte(nil), csi...)
			i = len(buf)
		default:
			out = append(out, buf[i])
			i++
		}
	}
	return out, events
}
