package session

import (
	"errors"
)

var (
	// ErrInitialization indicates the wallet provider could not be acquired
	ErrInitialization = errors.New("wallet initialization failed")
	// ErrNotReady indicates Initialize has not completed
	ErrNotReady = errors.New("wallet is not initialized")
	// ErrConnectionTimeout indicates the approval flow did not finish in time
	ErrConnectionTimeout = errors.New("connection timed out")
	// ErrDisconnectTimeout indicates the wallet did not acknowledge a disconnect in time
	ErrDisconnectTimeout = errors.New("disconnect timed out")
	// ErrUserRejected indicates the wallet owner declined the session
	ErrUserRejected = errors.New("connection rejected by user")
	// ErrInvalidSessionResponse indicates the wallet returned an unusable session
	ErrInvalidSessionResponse = errors.New("invalid session response")
	// ErrWrongNetwork is a warning: the wallet is connected to another chain
	ErrWrongNetwork = errors.New("wrong network")
	// ErrDisconnectFailed indicates the wallet reported an error while ending the session
	ErrDisconnectFailed = errors.New("wallet disconnect failed")
	// ErrConnectionCancelled indicates a disconnect superseded a pending connect
	ErrConnectionCancelled = errors.New("connection cancelled")
	// ErrSessionBusy indicates a disconnect is still in progress
	ErrSessionBusy = errors.New("session is busy")
)

// Message converts a session failure into the text shown to the user
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionTimeout):
		return "Connection timed out. Please try again."
	case errors.Is(err, ErrDisconnectTimeout):
		return "Disconnect timed out. The local session has been cleared."
	case errors.Is(err, ErrUserRejected):
		return "Connection request was rejected in the wallet."
	case errors.Is(err, ErrInvalidSessionResponse):
		return "The wallet returned an invalid session. Please try again."
	case errors.Is(err, ErrInitialization):
		return "Failed to initialize the wallet connection."
	case errors.Is(err, ErrNotReady):
		return "Wallet is not initialized yet."
	case errors.Is(err, ErrWrongNetwork):
		return "Connected to the wrong network. Please switch networks in your wallet."
	case errors.Is(err, ErrDisconnectFailed):
		return "The wallet could not end the session. The local session has been cleared."
	case errors.Is(err, ErrConnectionCancelled):
		return "Connection was cancelled by a disconnect."
	case errors.Is(err, ErrSessionBusy):
		return "Please wait for the current disconnect to finish."
	default:
		return err.Error()
	}
}
