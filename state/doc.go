/*
Package state contains a state machine, contained in the Channel type, for
managing an off-chain state channel between two participants.

The Channel type once constructed contains functions for three categories of
operations:
- Open: Opening the channel with the create transaction.
- Update: Transferring an amount from either participant to the other.
- Shutdown: Coordinating a mutual close of the channel.

Each operation is broken up into three steps:
- Propose: Called by the proposer to build the transaction of the next state.
- Validate: Called by the other participant to check the proposal before
signing it.
- Finalize/Confirm: Called by both participants with the co-signed
transaction.

	+-----------+      +-----------+
	| Proposer  |      |   Peer    |
	+-----+-----+      +-----+-----+
	      |                  |
	   Propose               |
	      +----------------->+
	      |              Validate
	      |              Finalize
	      +<-----------------+
	   Finalize              |
	      |                  |

A co-signed state can also be adopted without negotiation when it arrives
fully signed, as a backchannel update or when reestablishing a connection.

None of the primitives in this package are threadsafe and synchronization
must be provided by the caller if the package is used in a concurrent
context.
*/
package state
