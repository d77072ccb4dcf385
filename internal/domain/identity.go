package domain

// Identity is the authenticated principal a queue client acts as.
type Identity struct {
	UID      string
	IsUser   bool
	IsWorker bool
	// Queue is the only queue a worker identity may work on.
	Queue string
}

// LoggedIn reports whether the identity carries a uid.
func (i Identity) LoggedIn() bool {
	return i.UID != ""
}

// WorkerFor reports whether the identity may run tasks of queue.
func (i Identity) WorkerFor(queue string) bool {
	return i.LoggedIn() && i.IsWorker && i.Queue == queue
}
