// Package oommsg is the resource-exhaustion notification channel
// spec.md §7's error taxonomy refers to under "Resource exhaustion":
// when a commit path has exhausted its res budget and still cannot get a
// physical page, it posts on OomCh and waits on Resume before surfacing
// ENOMEM to the caller, giving whatever reclaim daemon the embedding
// kernel runs a chance to free pages first. OomCh and Oommsg_t are kept
// from the teacher verbatim; Notify is added here.
package oommsg

// OomCh is notified when a commit path cannot obtain a physical page.
var OomCh = make(chan Oommsg_t)

// Oommsg_t is sent on OomCh. Need is the number of pages the stalled
// caller wants; Resume is closed (or sent true) once the reclaim daemon
// believes pages are available again.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}

// Notify posts a demand for need pages on OomCh and waits on the
// Resume channel it hands the receiving reclaim daemon before
// returning, giving the VMM's commit path one retry after a reclaim
// pass instead of surfacing ENOMEM on the first failed allocation. If
// nothing is currently receiving on OomCh, there is no daemon to wait
// for, so Notify returns immediately rather than blocking forever.
func Notify(need int) {
	resume := make(chan bool, 1)
	select {
	case OomCh <- Oommsg_t{Need: need, Resume: resume}:
		<-resume
	default:
	}
}
