package cluster

// Registry holds the constructed queues, one per backend.
type Registry struct {
	queues map[Backend]Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: map[Backend]Queue{}}
}

func (r *Registry) Register(q Queue) {
	r.queues[q.Backend()] = q
}

func (r *Registry) Get(b Backend) (Queue, error) {
	q, ok := r.queues[b]
	if !ok {
		return nil, ConfigError{Field: "backend", Value: string(b), Message: "no queue registered"}
	}
	return q, nil
}
