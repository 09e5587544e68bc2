package rop

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// ChainItem is a single element of a chain: either a gadget or a literal
// padding word.
type ChainItem struct {
	Gadget  *Gadget
	Value   uint64
	Comment string
}

// IsPadding returns true if the item is a literal word.
func (item ChainItem) IsPadding() bool { return item.Gadget == nil }

// Chain is an ordered sequence of gadgets and padding words.
type Chain struct {
	Items []ChainItem
}

// Len returns the length of the chain in chain units.
func (c *Chain) Len() int { return len(c.Items) }

// Gadgets returns the gadgets used by the chain in order.
func (c *Chain) Gadgets() []*Gadget {
	var a []*Gadget
	for _, item := range c.Items {
		if item.Gadget != nil {
			a = append(a, item.Gadget)
		}
	}
	return a
}

// AddGadget appends a gadget.
func (c *Chain) AddGadget(g *Gadget) {
	c.Items = append(c.Items, ChainItem{Gadget: g})
}

// AddPadding appends a literal word.
func (c *Chain) AddPadding(v uint64, comment string) {
	c.Items = append(c.Items, ChainItem{Value: v, Comment: comment})
}

// Append appends all items of other.
func (c *Chain) Append(other *Chain) {
	c.Items = append(c.Items, other.Items...)
}

// Concat returns a new chain holding the items of every chain in order.
func Concat(chains ...*Chain) *Chain {
	out := &Chain{}
	for _, c := range chains {
		out.Append(c)
	}
	return out
}

// Format represents an output format for a chain.
type Format int

// Chain output formats.
const (
	FormatRaw = Format(iota)
	FormatConsole
	FormatPython
)

// ParseFormat returns the format for a name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "raw":
		return FormatRaw, nil
	case "console", "":
		return FormatConsole, nil
	case "python":
		return FormatPython, nil
	default:
		return 0, errors.Errorf("unknown format: %q", s)
	}
}

// Text renders the chain. Every word must be free of bad bytes: gadgets use
// their first clean occurrence and padding words must be clean themselves.
// Returns ErrBadBytes if no clean word exists for an item.
func (c *Chain) Text(arch *Architecture, format Format, badBytes mapset.Set[byte]) (string, error) {
	words := make([]uint64, len(c.Items))
	for i, item := range c.Items {
		w, err := itemWord(arch, item, badBytes)
		if err != nil {
			return "", err
		}
		words[i] = w
	}

	var buf strings.Builder
	switch format {
	case FormatRaw:
		for _, w := range words {
			fmt.Fprintf(&buf, "%0*x\n", int(arch.WordBytes()*2), w)
		}

	case FormatConsole:
		addr := color.New(color.FgYellow)
		pad := color.New(color.FgCyan)
		for i, item := range c.Items {
			if item.Gadget != nil {
				fmt.Fprintf(&buf, "%s %s\n", addr.Sprintf("0x%0*x", int(arch.WordBytes()*2), words[i]), item.Gadget.Asm)
			} else {
				fmt.Fprintf(&buf, "%s %s\n", pad.Sprintf("0x%0*x", int(arch.WordBytes()*2), words[i]), color.HiBlackString("(%s)", item.Comment))
			}
		}

	case FormatPython:
		pack := "<I"
		if arch.Bits == 64 {
			pack = "<Q"
		}
		buf.WriteString("from struct import pack\n\np = b''\n")
		for i, item := range c.Items {
			comment := item.Comment
			if item.Gadget != nil {
				comment = item.Gadget.Asm
			}
			fmt.Fprintf(&buf, "p += pack('%s', %#x) # %s\n", pack, words[i], comment)
		}

	default:
		return "", errors.Errorf("unknown format: %d", format)
	}
	return buf.String(), nil
}

func itemWord(arch *Architecture, item ChainItem, badBytes mapset.Set[byte]) (uint64, error) {
	if item.Gadget == nil {
		if hasBadBytes(arch, item.Value, badBytes) {
			return 0, errors.Wrapf(ErrBadBytes, "padding %#x", item.Value)
		}
		return item.Value, nil
	}

	for _, addr := range item.Gadget.Addrs {
		if !hasBadBytes(arch, addr, badBytes) {
			return addr, nil
		}
	}
	return 0, errors.Wrapf(ErrBadBytes, "gadget %s", item.Gadget.Asm)
}

// hasBadBytes returns true if the encoded word contains a forbidden byte.
func hasBadBytes(arch *Architecture, v uint64, badBytes mapset.Set[byte]) bool {
	if badBytes == nil || badBytes.Cardinality() == 0 {
		return false
	}
	for _, b := range arch.PackWord(v) {
		if badBytes.Contains(b) {
			return true
		}
	}
	return false
}

// HasCleanAddr returns true if the gadget has an address free of bad bytes.
func (g *Gadget) HasCleanAddr(arch *Architecture, badBytes mapset.Set[byte]) bool {
	for _, addr := range g.Addrs {
		if !hasBadBytes(arch, addr, badBytes) {
			return true
		}
	}
	return false
}
