// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import "testing"

func TestSASFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		decimal [3]int
		emoji   [7]string
	}{
		{
			name:    "zero",
			raw:     make([]byte, 6),
			decimal: [3]int{1000, 1000, 1000},
			emoji:   [7]string{"Dog", "Dog", "Dog", "Dog", "Dog", "Dog", "Dog"},
		},
		{
			name:    "all ones",
			raw:     []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			decimal: [3]int{9191, 9191, 9191},
			emoji:   [7]string{"Pin", "Pin", "Pin", "Pin", "Pin", "Pin", "Pin"},
		},
		{
			name:    "counting",
			raw:     []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
			decimal: [3]int{1032, 3060, 1514},
			emoji:   [7]string{"Dog", "Tree", "Panda", "Horse", "Cat", "Dog", "Moon"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sas, err := SASFromBytes(test.raw)
			if err != nil {
				t.Fatalf("SASFromBytes: %v", err)
			}
			if sas.Decimal != test.decimal {
				t.Errorf("Decimal = %v, want %v", sas.Decimal, test.decimal)
			}
			for i, emoji := range sas.Emoji {
				if emoji.Name != test.emoji[i] {
					t.Errorf("Emoji[%d] = %s, want %s", i, emoji.Name, test.emoji[i])
				}
			}
		})
	}
}

func TestSASFromBytesTooShort(t *testing.T) {
	if _, err := SASFromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("SASFromBytes accepted 3 bytes")
	}
}

func TestSASStrings(t *testing.T) {
	sas, err := SASFromBytes([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	if err != nil {
		t.Fatalf("SASFromBytes: %v", err)
	}
	if got := sas.DecimalString(); got != "1032-3060-1514" {
		t.Errorf("DecimalString = %q", got)
	}
	if got := sas.EmojiString(); got != "🐶 Dog  🌳 Tree  🐼 Panda  🐎 Horse  🐱 Cat  🐶 Dog  🌙 Moon" {
		t.Errorf("EmojiString = %q", got)
	}
}

func TestParseDecision(t *testing.T) {
	tests := map[string]Decision{
		"yes":   DecisionConfirm,
		" Y ":   DecisionConfirm,
		"no":    DecisionCancel,
		"N":     DecisionCancel,
		"maybe": DecisionNone,
		"":      DecisionNone,
	}
	for line, want := range tests {
		if got := ParseDecision(line); got != want {
			t.Errorf("ParseDecision(%q) = %v, want %v", line, got, want)
		}
	}
}
