// Package flow implements a unidirectional action → effect → state pipeline.
//
// Callers dispatch actions to a ViewModel. Its Emitter performs the side effect
// of each action and streams Outputs; every Output is reduced by Emit into the
// next state, which is bound into a state.Holder for the UI to observe.
//
//	vm, err := flow.NewViewModel(ctx, counter)
//	if err != nil { ... }
//	defer vm.Close()
//
//	_ = vm.Dispatch(ctx, Increment{})
//	for snap := range vm.Changes(ctx) {
//		render(snap.Value)
//	}
package flow
