// Package contracts holds the escrow contract interface.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Method and event names exposed by the escrow contract.
const (
	MethodCreateEscrow   = "createEscrow"
	MethodCompleteEscrow = "completeEscrow"
	MethodCancelEscrow   = "cancelEscrow"
	MethodGetEscrow      = "getEscrow"
	MethodGetUserEscrows = "getUserEscrows"

	EventEscrowCreated   = "EscrowCreated"
	EventEscrowCompleted = "EscrowCompleted"
	EventEscrowCancelled = "EscrowCancelled"
)

// EscrowABI is the JSON ABI of the escrow contract. Timestamps are in
// milliseconds; status and milestone status are enum indices.
const EscrowABI = `[
  {"type":"function","name":"createEscrow","stateMutability":"payable",
   "inputs":[{"name":"counterparty","type":"address"},{"name":"metadata","type":"string"}],
   "outputs":[{"name":"id","type":"uint256"}]},
  {"type":"function","name":"completeEscrow","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelEscrow","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[{"name":"escrow","type":"tuple","components":[
     {"name":"creator","type":"address"},
     {"name":"counterparty","type":"address"},
     {"name":"counterpartyType","type":"string"},
     {"name":"title","type":"string"},
     {"name":"description","type":"string"},
     {"name":"amount","type":"uint256"},
     {"name":"status","type":"uint8"},
     {"name":"createdAt","type":"uint64"},
     {"name":"milestones","type":"tuple[]","components":[
       {"name":"id","type":"string"},
       {"name":"description","type":"string"},
       {"name":"amount","type":"uint256"},
       {"name":"status","type":"uint8"},
       {"name":"deadline","type":"uint64"}]}]}]},
  {"type":"function","name":"getUserEscrows","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"ids","type":"uint256[]"}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"creator","type":"address","indexed":true},
    {"name":"counterparty","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowCompleted","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true}]},
  {"type":"event","name":"EscrowCancelled","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true}]}
]`

// ParseEscrowABI parses EscrowABI.
func ParseEscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(EscrowABI))
}
