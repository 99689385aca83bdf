//go:build windows

package protocols

import (
	"fmt"
	"os"

	"github.com/yllada/openconnect-core/common"
)

func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func reconnectProcess(*os.Process) error {
	return fmt.Errorf("%w: reconnect signal on windows", common.ErrUnsupported)
}
