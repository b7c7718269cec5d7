package quantum

// Result is what a submitter receives once its item leaves the pipeline.
type Result struct {
	Apex        Apex
	Type        PayloadType
	Status      StatusCode
	Error       string
	Hash        Hash
	Effects     []Effect
	EffectsHash Hash
}

func (r *Result) OK() bool { return r.Status == StatusSuccess }

// ErrorResult builds a result for an item rejected before it got an apex.
func ErrorResult(t PayloadType, err error) *Result {
	return &Result{Type: t, Status: StatusOf(err), Error: err.Error()}
}
