package modifier

import "errors"

// Classifier decides whether a provider error is permanent (no retry).
type Classifier interface {
	IsPermanent(err error) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) bool

func (fn ClassifierFunc) IsPermanent(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultClassifier treats errors wrapped with Permanent as non-retryable
// and everything else as transient.
func DefaultClassifier() Classifier {
	return ClassifierFunc(func(err error) bool {
		return errors.Is(err, ErrPermanent)
	})
}
