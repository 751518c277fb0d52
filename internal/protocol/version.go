package protocol

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CheckClientVersion decides whether a client protocol version may connect.
// The client must share the server's major version and be at or above the
// minimum supported version. The returned error text is relayed verbatim in
// the server:incompatible frame.
func CheckClientVersion(clientVersion string) error {
	cv, err := semver.NewVersion(clientVersion)
	if err != nil {
		return fmt.Errorf("clientProtocolVersion %q is not valid semver", clientVersion)
	}
	sv := semver.MustParse(ServerProtocolVersion)
	if cv.Major() != sv.Major() {
		return fmt.Errorf("client major version %d does not match server major version %d", cv.Major(), sv.Major())
	}
	if cv.LessThan(semver.MustParse(MinClientProtocolVersion)) {
		return fmt.Errorf("client version %s is below the minimum supported version %s", clientVersion, MinClientProtocolVersion)
	}
	return nil
}
