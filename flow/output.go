package flow

// Output is one result of performing an action.
// Data is the zero value when the action carries no data; Err reports a failed side effect.
type Output[A any, D any] struct {
	Action A
	Data   D
	Err    error
}

func OutputOf[A any, D any](action A, data D) Output[A, D] {
	return Output[A, D]{Action: action, Data: data}
}

func EmptyOutput[A any, D any](action A) Output[A, D] {
	return Output[A, D]{Action: action}
}

func FailedOutput[A any, D any](action A, err error) Output[A, D] {
	return Output[A, D]{Action: action, Err: err}
}

// Failed reports whether the side effect behind o failed.
func (o Output[A, D]) Failed() bool {
	return o.Err != nil
}
