// Package conn implements C7: the Connection itself — the state machine
// (spec.md §3), the think() scheduling loop (spec.md §4.6), and the glue
// that dispatches decrypted inbound payloads through the frame codec into
// the receiver and drives the sender to produce outbound ones.
//
// Grounded on client2/connection.go's connection struct (worker.Worker
// embed, sync.Mutex, channel-driven event loop, its onPKIFetch/retry-delay
// pattern for periodic work) and on stream/stream.go's reader()/writer()
// state-switch loops, generalized to the richer state enum spec.md §3
// requires.
package conn

import "fmt"

// EndReason is the taxonomy spec.md §7 carries in a connection's info
// block once it leaves Connected state.
type EndReason int32

const (
	EndNone EndReason = 0

	// EndAppGeneric and the App_Min..App_Max range are application-
	// initiated close codes; the application supplies the exact value.
	EndAppGeneric EndReason = 1000

	// EndAppExceptionMin..Max is reserved for application-reported
	// abnormal closes (spec.md §7).
	EndAppExceptionMin EndReason = 2000
	EndAppExceptionMax EndReason = 2999

	EndRemoteBadCert            EndReason = 3001
	EndRemoteBadCrypt           EndReason = 3002
	EndRemoteBadProtocolVersion EndReason = 3003

	EndMiscTimeout           EndReason = 4001
	EndMiscP2PRendezvous     EndReason = 4002
	EndMiscSteamConnectivity EndReason = 4003
	EndMiscInternalError     EndReason = 4004
	EndMiscGeneric           EndReason = 4005
)

func (r EndReason) String() string {
	switch {
	case r == EndNone:
		return "none"
	case r == EndRemoteBadCert:
		return "remote bad cert"
	case r == EndRemoteBadCrypt:
		return "remote bad crypt"
	case r == EndRemoteBadProtocolVersion:
		return "remote bad protocol version"
	case r == EndMiscTimeout:
		return "timeout"
	case r == EndMiscP2PRendezvous:
		return "p2p rendezvous timeout"
	case r == EndMiscSteamConnectivity:
		return "identity service unreachable"
	case r == EndMiscInternalError:
		return "internal error"
	case r == EndMiscGeneric:
		return "protocol violation"
	case r >= EndAppExceptionMin && r <= EndAppExceptionMax:
		return fmt.Sprintf("app exception %d", r-EndAppExceptionMin)
	case r >= EndAppGeneric:
		return fmt.Sprintf("app close %d", r-EndAppGeneric)
	default:
		return fmt.Sprintf("end reason %d", int32(r))
	}
}
