package compiler

import (
	"fmt"
	"os"

	"github.com/chazu/ilvm/image"
	"github.com/chazu/ilvm/vm"
)

// LoadFile reads a program from path. Files starting with the image magic
// are decoded and linked; anything else is compiled as program text.
// Read and decode failures are KindIO errors.
func LoadFile(path string, opts Options) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &vm.Error{Kind: vm.KindIO, Msg: err.Error(), Err: err}
	}
	if image.IsImage(data) {
		blocks, err := image.Unmarshal(data)
		if err != nil {
			return nil, &vm.Error{Kind: vm.KindIO, Msg: fmt.Sprintf("%s: %v", path, err), Err: err}
		}
		log.Debugf("loaded image %s: %d blocks", path, len(blocks))
		return LinkWith(blocks, opts)
	}
	return CompileWith(string(data), opts)
}
