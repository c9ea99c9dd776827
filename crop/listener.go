package crop

// FinishedListener hears the outcome of every save attempt. Exactly one of
// its methods fires per attempt that gets past the saving guard.
type FinishedListener interface {
	OnCropFinished(output string)
	OnCropFailed()
}

// ErrorListener hears recoverable and fatal session errors. After
// OnFatalError the session is unusable.
type ErrorListener interface {
	OnError(err error)
	OnFatalError(err error)
}

// FinishedFuncs adapts plain functions to FinishedListener. Nil fields are skipped.
type FinishedFuncs struct {
	Finished func(output string)
	Failed   func()
}

func (f FinishedFuncs) OnCropFinished(output string) {
	if f.Finished != nil {
		f.Finished(output)
	}
}

func (f FinishedFuncs) OnCropFailed() {
	if f.Failed != nil {
		f.Failed()
	}
}

// ErrorFuncs adapts plain functions to ErrorListener. Nil fields are skipped.
type ErrorFuncs struct {
	Error func(err error)
	Fatal func(err error)
}

func (f ErrorFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f ErrorFuncs) OnFatalError(err error) {
	if f.Fatal != nil {
		f.Fatal(err)
	}
}
