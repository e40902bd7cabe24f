// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"fmt"
	"strings"
)

// SASLength is the number of bytes of key agreement output a short
// authentication string is rendered from.
const SASLength = 6

// SAS is a short authentication string in both Matrix renderings.
type SAS struct {
	// Decimal is three numbers in [1000, 9191].
	Decimal [3]int

	// Emoji is seven symbols from the Matrix SAS emoji table.
	Emoji [7]Emoji
}

// Emoji is one entry of the SAS emoji table.
type Emoji struct {
	Symbol string
	Name   string
}

// SASFromBytes renders key agreement output. The decimal form uses the
// first 39 bits in 13-bit groups; the emoji form uses the first 42
// bits in 6-bit groups.
func SASFromBytes(raw []byte) (SAS, error) {
	if len(raw) < SASLength {
		return SAS{}, fmt.Errorf("verification: SAS needs %d bytes, have %d", SASLength, len(raw))
	}
	b := make([]int, SASLength)
	for i := range SASLength {
		b[i] = int(raw[i])
	}

	var sas SAS
	sas.Decimal = [3]int{
		(b[0]<<5 | b[1]>>3) + 1000,
		((b[1]&0x7)<<10 | b[2]<<2 | b[3]>>6) + 1000,
		((b[3]&0x3f)<<7 | b[4]>>1) + 1000,
	}

	var bits uint64
	for _, value := range raw[:SASLength] {
		bits = bits<<8 | uint64(value)
	}
	// 48 bits loaded; the emoji use the top 42.
	for i := range 7 {
		index := (bits >> (42 - 6*uint(i))) & 0x3f
		sas.Emoji[i] = emojiTable[index]
	}
	return sas, nil
}

// DecimalString renders the numbers separated by dashes.
func (s SAS) DecimalString() string {
	return fmt.Sprintf("%d-%d-%d", s.Decimal[0], s.Decimal[1], s.Decimal[2])
}

// EmojiString renders the symbols with their names.
func (s SAS) EmojiString() string {
	parts := make([]string, len(s.Emoji))
	for i, emoji := range s.Emoji {
		parts[i] = emoji.Symbol + " " + emoji.Name
	}
	return strings.Join(parts, "  ")
}

var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}
