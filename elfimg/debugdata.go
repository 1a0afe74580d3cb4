package elfimg

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

const miniDebugInfoSection = ".gnu_debugdata"

// MiniDebugInfo decompresses the xz compressed ELF image that some
// distributions embed in stripped binaries and calls fn with it. It returns
// ErrNoMiniDebugInfo when the section is absent.
func (img *Image) MiniDebugInfo(fn func(*Image) error) error {
	sec, ok := img.SectionByName(miniDebugInfoSection)
	if !ok {
		return ErrNoMiniDebugInfo
	}

	r, err := xz.NewReader(bytes.NewReader(img.SectionData(sec)))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, miniDebugInfoSection, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, miniDebugInfoSection, err)
	}

	inner, err := NewImage(data)
	if err != nil {
		return fmt.Errorf("%s: %w", miniDebugInfoSection, err)
	}
	return fn(inner)
}
