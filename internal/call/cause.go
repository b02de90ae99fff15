package call

// Cause explains why a session failed or ended.
type Cause string

const (
	CauseBye                 Cause = "BYE"
	CauseCanceled            Cause = "CANCELED"
	CauseNoAnswer            Cause = "NO_ANSWER"
	CauseExpires             Cause = "EXPIRES"
	CauseBusy                Cause = "BUSY"
	CauseRejected            Cause = "REJECTED"
	CauseRedirected          Cause = "REDIRECTED"
	CauseUnavailable         Cause = "UNAVAILABLE"
	CauseNotFound            Cause = "NOT_FOUND"
	CauseAddressIncomplete   Cause = "ADDRESS_INCOMPLETE"
	CauseIncompatibleSDP     Cause = "INCOMPATIBLE_SDP"
	CauseAuthenticationError Cause = "AUTHENTICATION_ERROR"
	CauseBadMediaDescription Cause = "BAD_MEDIA_DESCRIPTION"
	CauseConnectionError     Cause = "CONNECTION_ERROR"
	CauseRequestTimeout      Cause = "REQUEST_TIMEOUT"
	CauseWebRTCError         Cause = "WEBRTC_ERROR"
	CauseSIPFailureCode      Cause = "SIP_FAILURE_CODE"
)

// CauseFromStatus maps a final SIP response code to a cause.
func CauseFromStatus(code int) Cause {
	switch {
	case code >= 300 && code <= 380:
		return CauseRedirected
	}
	switch code {
	case 486, 600:
		return CauseBusy
	case 403, 603:
		return CauseRejected
	case 404, 604:
		return CauseNotFound
	case 480, 410, 408, 430:
		return CauseUnavailable
	case 484, 424:
		return CauseAddressIncomplete
	case 488, 606:
		return CauseIncompatibleSDP
	case 401, 407:
		return CauseAuthenticationError
	case 487:
		return CauseCanceled
	default:
		return CauseSIPFailureCode
	}
}

// dispositionFor classifies a terminal status and cause.
func dispositionFor(status Status, cause Cause) Disposition {
	if status == StatusEnded {
		return DispositionAnswered
	}
	switch cause {
	case CauseCanceled, CauseNoAnswer, CauseExpires:
		return DispositionMissed
	default:
		return DispositionRejected
	}
}
