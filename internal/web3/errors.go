package web3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// 规范化后的链上拒绝原因。
const (
	ReasonInsufficientFunds    = "insufficient funds"
	ReasonInvalidSequence      = "invalid sequence"
	ReasonAlreadyKnown         = "already known"
	ReasonUnderpriced          = "replacement transaction underpriced"
	ReasonGasTooLow            = "intrinsic gas too low"
	ReasonExecutionReverted    = "execution reverted"
	ReasonTransactionRejected  = "transaction rejected"
	reasonFeeCapTooLow         = "max fee per gas less than block base fee"
	reasonExceedsBlockGasLimit = "exceeds block gas limit"
)

// TransportError 表示请求没有到达链逻辑，可以重连后重试。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionError 表示链逻辑拒绝了请求，重试不会改变结果。
type RejectionError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: rejected: %s", e.Op, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// IsTransport 判断错误是否为传输层失败。
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RejectionReason 返回链上拒绝原因。
func RejectionReason(err error) (string, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

type rpcCoded interface {
	ErrorCode() int
}

// Classify 将底层 RPC 错误划分为传输失败或链上拒绝。
// context.Canceled 原样返回，调用方自行处理。
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	var re *RejectionError
	if errors.As(err, &te) || errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isTransport(err) {
		return &TransportError{Op: op, Err: err}
	}
	return &RejectionError{Op: op, Reason: normalizeReason(err.Error()), Err: err}
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var coded rpcCoded
	if errors.As(err, &coded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection reset", "connection refused", "broken pipe", "i/o timeout", "client is closed", "no such host", "503 service unavailable", "502 bad gateway", "429 too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func normalizeReason(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient funds"), strings.Contains(lower, "insufficient balance"):
		return ReasonInsufficientFunds
	case strings.Contains(lower, "nonce too low"),
		strings.Contains(lower, "nonce too high"),
		strings.Contains(lower, "invalid sequence"),
		strings.Contains(lower, "account sequence mismatch"):
		return ReasonInvalidSequence
	case strings.Contains(lower, "already known"), strings.Contains(lower, "known transaction"):
		return ReasonAlreadyKnown
	case strings.Contains(lower, "underpriced"):
		return ReasonUnderpriced
	case strings.Contains(lower, "intrinsic gas too low"):
		return ReasonGasTooLow
	case strings.Contains(lower, reasonFeeCapTooLow):
		return reasonFeeCapTooLow
	case strings.Contains(lower, reasonExceedsBlockGasLimit):
		return reasonExceedsBlockGasLimit
	case strings.Contains(lower, "execution reverted"):
		return strings.TrimSpace(msg[strings.Index(lower, "execution reverted"):])
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ReasonTransactionRejected
	}
	return msg
}
