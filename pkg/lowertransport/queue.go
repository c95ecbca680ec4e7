package lowertransport

// ingressQueue and egressQueue are simple FIFOs, grounded on the
// singly-linked-list texture of the teacher's ackWaitQueue/oooQueue
// (pkg/vif/tcp/handler.go), generalized here to plain queue semantics
// rather than sequence-ordered insertion.

type ingressItem struct {
	pdu  *NetworkPDU
	next *ingressItem
}

type ingressQueue struct {
	head, tail *ingressItem
	size       int
}

func (q *ingressQueue) push(pdu *NetworkPDU) {
	item := &ingressItem{pdu: pdu}
	if q.tail == nil {
		q.head, q.tail = item, item
	} else {
		q.tail.next = item
		q.tail = item
	}
	q.size++
}

func (q *ingressQueue) pop() (*NetworkPDU, bool) {
	if q.head == nil {
		return nil, false
	}
	item := q.head
	q.head = item.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	return item.pdu, true
}

func (q *ingressQueue) len() int {
	return q.size
}

// egressEntry is either an unsegmented NetworkPDU or a TransportPDU that
// still needs to be segmented; exactly one of the two is set.
type egressEntry struct {
	networkPDU   *NetworkPDU
	transportPDU *TransportPDU
}

type egressItem struct {
	entry egressEntry
	next  *egressItem
}

type egressQueue struct {
	head, tail *egressItem
	size       int
}

func (q *egressQueue) pushNetworkPDU(pdu *NetworkPDU) {
	q.pushEntry(egressEntry{networkPDU: pdu})
}

func (q *egressQueue) pushTransportPDU(pdu *TransportPDU) {
	q.pushEntry(egressEntry{transportPDU: pdu})
}

func (q *egressQueue) pushEntry(e egressEntry) {
	item := &egressItem{entry: e}
	if q.tail == nil {
		q.head, q.tail = item, item
	} else {
		q.tail.next = item
		q.tail = item
	}
	q.size++
}

func (q *egressQueue) pop() (egressEntry, bool) {
	if q.head == nil {
		return egressEntry{}, false
	}
	item := q.head
	q.head = item.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	return item.entry, true
}

func (q *egressQueue) len() int {
	return q.size
}
