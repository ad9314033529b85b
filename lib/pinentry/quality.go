// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pinentry

import (
	"context"
	"strconv"
	"strings"

	"github.com/bureau-foundation/pinentry/lib/assuan"
)

// MaxQualityPayload caps how much of the PIN is sent in a QUALITY
// inquiry.
const MaxQualityPayload = 300

// InquireQuality asks the caller to score pin with "INQUIRE QUALITY"
// and returns the answer clamped to [-100, 100]. A caller that cancels
// the inquiry has no opinion: the score is 0 and the error nil. Any
// other failure returns 0 and the error. The inquiry is abandoned when
// ctx ends, which for a dialog means its timeout or an interrupt.
func InquireQuality(ctx context.Context, conn *assuan.Context, pin []byte) (int, error) {
	answer, err := conn.Inquire(ctx, "QUALITY", pin, MaxQualityPayload)
	if err != nil {
		if assuan.CodeOf(err) == assuan.InquiryCanceled {
			return 0, nil
		}
		return 0, err
	}
	return ParseQuality(answer)
}

// ParseQuality parses a QUALITY answer: a signed decimal integer,
// clamped to [-100, 100]. An empty answer is 0.
func ParseQuality(answer []byte) (int, error) {
	text := strings.TrimSpace(string(answer))
	if text == "" {
		return 0, nil
	}
	score, err := strconv.Atoi(text)
	if err != nil {
		return 0, assuan.Errorf(assuan.InvalidResponse, "quality answer %q is not a number", text)
	}
	return ClampQuality(score), nil
}

// ClampQuality limits score to [-100, 100].
func ClampQuality(score int) int {
	return min(max(score, -100), 100)
}
