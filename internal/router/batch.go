package router

// batcher groups remote users per destination node, in first-seen order,
// with each user listed once per node
type batcher struct {
	appID    string
	appToken string
	message  string

	order   []string
	batches map[string]*ForwardBatch
	seen    map[string]map[string]struct{}
}

func newBatcher(appID, appToken, message string) *batcher {
	return &batcher{
		appID:    appID,
		appToken: appToken,
		message:  message,
		batches:  make(map[string]*ForwardBatch),
		seen:     make(map[string]map[string]struct{}),
	}
}

func (b *batcher) add(ip string, port int, userID string) {
	probe := ForwardBatch{IP: ip, Port: port}
	addr := probe.Addr()

	batch, ok := b.batches[addr]
	if !ok {
		batch = &ForwardBatch{
			IP:       ip,
			Port:     port,
			AppID:    b.appID,
			AppToken: b.appToken,
			Message:  b.message,
		}
		b.batches[addr] = batch
		b.seen[addr] = make(map[string]struct{})
		b.order = append(b.order, addr)
	}

	if _, dup := b.seen[addr][userID]; dup {
		return
	}
	b.seen[addr][userID] = struct{}{}
	batch.UserIDs = append(batch.UserIDs, userID)
}

func (b *batcher) list() []ForwardBatch {
	out := make([]ForwardBatch, 0, len(b.order))
	for _, addr := range b.order {
		out = append(out, *b.batches[addr])
	}
	return out
}
