package manet

// radio-queue.go holds the structs and methods that serialize the use of a
// node's radio.  A radio transmits one frame at a time; a frame handed to a
// busy radio waits its turn.  Allocation of the radio is first-come first-serve.
//
// When a transmission is requested the caller specifies how long the frame
// occupies the medium (in seconds) and an event handler to call once the last
// bit has left the antenna.

// txTask describes one frame waiting for, or in, transmission
type txTask struct {
	req          float64              // required air time
	frame        *Frame               // what is being transmitted
	context      any                  // remember this from caller, to return when finished
	completeFunc EventHandlerFunction // call when finished
}

// radioQueue holds data structures supporting the one-at-a-time use of a radio
type radioQueue struct {
	inservice *txTask   // frame on the air, nil if idle
	waiting   []*txTask // frames to send, not yet on the air
	busyTime  float64   // accumulated air time
	sent      int       // number of completed transmissions
}

// createRadioQueue is a constructor
func createRadioQueue() *radioQueue {
	rq := new(radioQueue)
	rq.waiting = []*txTask{}
	return rq
}

// schedule puts a frame either in queue to be sent, or on the air.  Parameters are
// - req : the air time of this frame
// - frame : the frame being sent
// - context : handed to the completion handler
// - complete : an event handler to be called when the transmission has completed
// The return is true if the frame went on the air immediately.
func (rq *radioQueue) schedule(es *EventScheduler, req float64, frame *Frame,
	context any, complete EventHandlerFunction) bool {

	task := &txTask{req: req, frame: frame, context: context, completeFunc: complete}
	return rq.joinQueue(es, task)
}

// joinQueue is called to put a txTask into the data structure that governs
// allocation of the radio
func (rq *radioQueue) joinQueue(es *EventScheduler, task *txTask) bool {
	// if the radio is busy, put in the waiting queue and return
	if rq.inservice != nil {
		rq.waiting = append(rq.waiting, task)
		return false
	}

	rq.inservice = task
	es.after(rq, task, txComplete, task.req)
	return true
}

// qlen is the number of frames waiting behind the one on the air
func (rq *radioQueue) qlen() int {
	return len(rq.waiting)
}

// txComplete is called when the frame on the air has been sent
func txComplete(es *EventScheduler, context any, data any) any {
	rq := context.(*radioQueue)
	task := data.(*txTask)

	rq.inservice = nil
	rq.busyTime += task.req
	rq.sent += 1

	// if the waiting queue is not empty we need to put its first (FCFS) member on the air
	if len(rq.waiting) > 0 {
		nxt := rq.waiting[0]
		rq.waiting = rq.waiting[1:]
		rq.joinQueue(es, nxt)
	}

	task.completeFunc(es, task.context, task.frame)
	return nil
}
