package voice

import "strconv"

// Opcode identifies a voice gateway message.
type Opcode uint8

const (
	OpIdentify                    Opcode = 0
	OpSelectProtocol              Opcode = 1
	OpReady                       Opcode = 2
	OpHeartbeat                   Opcode = 3
	OpSessionDescription          Opcode = 4
	OpSpeaking                    Opcode = 5
	OpHeartbeatAck                Opcode = 6
	OpResume                      Opcode = 7
	OpHello                       Opcode = 8
	OpResumed                     Opcode = 9
	OpClientsConnected            Opcode = 11
	OpClientDisconnected          Opcode = 13
	OpPrepareTransition           Opcode = 21
	OpExecuteTransition           Opcode = 22
	OpTransitionReady             Opcode = 23
	OpPrepareEpoch                Opcode = 24
	OpMlsExternalSender           Opcode = 25
	OpMlsKeyPackage               Opcode = 26
	OpMlsProposals                Opcode = 27
	OpMlsCommitWelcome            Opcode = 28
	OpMlsAnnounceCommitTransition Opcode = 29
	OpMlsWelcome                  Opcode = 30
	OpMlsInvalidCommitWelcome     Opcode = 31
)

var opcodeNames = map[Opcode]string{
	OpIdentify:                    "Identify",
	OpSelectProtocol:              "SelectProtocol",
	OpReady:                       "Ready",
	OpHeartbeat:                   "Heartbeat",
	OpSessionDescription:          "SessionDescription",
	OpSpeaking:                    "Speaking",
	OpHeartbeatAck:                "HeartbeatAck",
	OpResume:                      "Resume",
	OpHello:                       "Hello",
	OpResumed:                     "Resumed",
	OpClientsConnected:            "ClientsConnected",
	OpClientDisconnected:          "ClientDisconnected",
	OpPrepareTransition:           "PrepareTransition",
	OpExecuteTransition:           "ExecuteTransition",
	OpTransitionReady:             "TransitionReady",
	OpPrepareEpoch:                "PrepareEpoch",
	OpMlsExternalSender:           "MlsExternalSender",
	OpMlsKeyPackage:               "MlsKeyPackage",
	OpMlsProposals:                "MlsProposals",
	OpMlsCommitWelcome:            "MlsCommitWelcome",
	OpMlsAnnounceCommitTransition: "MlsAnnounceCommitTransition",
	OpMlsWelcome:                  "MlsWelcome",
	OpMlsInvalidCommitWelcome:     "MlsInvalidCommitWelcome",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "Opcode(" + strconv.Itoa(int(o)) + ")"
}

// Binary reports whether the opcode travels in a binary websocket frame.
func (o Opcode) Binary() bool {
	return o >= OpMlsExternalSender && o <= OpMlsWelcome
}
