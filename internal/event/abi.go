package event

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractABI describes the events of the escrow and treasury contracts together with the view
// functions the state oracle reads.
const ContractABI = `[
  {"type":"event","name":"TradeCreated","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"approver","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TradeFunded","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DocumentsSubmitted","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"documentHash","type":"string","indexed":false}]},
  {"type":"event","name":"TradeApproved","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"approver","type":"address","indexed":true}]},
  {"type":"event","name":"TradeStatusChanged","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"oldStatus","type":"uint8","indexed":false},
    {"name":"newStatus","type":"uint8","indexed":false}]},
  {"type":"event","name":"DisputeRaised","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"raisedBy","type":"address","indexed":true},
    {"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"FundsReleased","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"seller","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TradeRefunded","inputs":[
    {"name":"tradeId","type":"uint256","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProposalCreated","inputs":[
    {"name":"proposalId","type":"uint256","indexed":true},
    {"name":"proposer","type":"address","indexed":true},
    {"name":"description","type":"string","indexed":false}]},
  {"type":"event","name":"VoteCast","inputs":[
    {"name":"proposalId","type":"uint256","indexed":true},
    {"name":"voter","type":"address","indexed":true},
    {"name":"support","type":"bool","indexed":false},
    {"name":"weight","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProposalExecuted","inputs":[
    {"name":"proposalId","type":"uint256","indexed":true}]},
  {"type":"event","name":"Staked","inputs":[
    {"name":"staker","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Unstaked","inputs":[
    {"name":"staker","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"getTrade","stateMutability":"view",
    "inputs":[{"name":"tradeId","type":"uint256"}],
    "outputs":[
      {"name":"buyer","type":"address"},
      {"name":"seller","type":"address"},
      {"name":"approver","type":"address"},
      {"name":"amount","type":"uint256"},
      {"name":"status","type":"uint8"}]},
  {"type":"function","name":"getProposal","stateMutability":"view",
    "inputs":[{"name":"proposalId","type":"uint256"}],
    "outputs":[
      {"name":"proposer","type":"address"},
      {"name":"forVotes","type":"uint256"},
      {"name":"againstVotes","type":"uint256"},
      {"name":"executed","type":"bool"}]},
  {"type":"function","name":"stakeOf","stateMutability":"view",
    "inputs":[{"name":"staker","type":"address"}],
    "outputs":[{"name":"amount","type":"uint256"}]}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		panic("event: invalid contract abi: " + err.Error())
	}
	return a
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI {
	return parsedABI
}

// Topic returns the topic0 hash of an event type.
func Topic(t Type) common.Hash {
	ev, ok := parsedABI.Events[t.String()]
	if !ok {
		return common.Hash{}
	}
	return ev.ID
}

// Topics returns the topic0 hashes of the given types, in order.
func Topics(types []Type) []common.Hash {
	out := make([]common.Hash, 0, len(types))
	for _, t := range types {
		out = append(out, Topic(t))
	}
	return out
}
