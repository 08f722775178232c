package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract surfaces the worker talks to. Marketplace create/claim/deliver
// run through the service Safe; registry and staking are read-only.
const marketplaceABIJSON = `[
	{"type":"function","name":"create","stateMutability":"nonpayable","inputs":[
		{"name":"serviceId","type":"uint256"},
		{"name":"factory","type":"address"},
		{"name":"payload","type":"bytes"}],
	 "outputs":[{"name":"mech","type":"address"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"deliver","stateMutability":"nonpayable","inputs":[
		{"name":"requestId","type":"uint256"},
		{"name":"deliveryData","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"request","stateMutability":"nonpayable","inputs":[
		{"name":"data","type":"bytes32"},
		{"name":"priorityMech","type":"address"}],
	 "outputs":[{"name":"requestId","type":"uint256"}]},
	{"type":"event","name":"CreateMech","anonymous":false,"inputs":[
		{"name":"mech","type":"address","indexed":true},
		{"name":"serviceId","type":"uint256","indexed":true},
		{"name":"factory","type":"address","indexed":true}]},
	{"type":"event","name":"MarketplaceRequest","anonymous":false,"inputs":[
		{"name":"requester","type":"address","indexed":true},
		{"name":"requestId","type":"uint256","indexed":true},
		{"name":"data","type":"bytes32","indexed":false}]}
]`

const registryABIJSON = `[
	{"type":"function","name":"getService","stateMutability":"view","inputs":[
		{"name":"serviceId","type":"uint256"}],
	 "outputs":[
		{"name":"securityDeposit","type":"uint96"},
		{"name":"multisig","type":"address"},
		{"name":"configHash","type":"bytes32"},
		{"name":"threshold","type":"uint32"},
		{"name":"maxNumAgentInstances","type":"uint32"},
		{"name":"numAgentInstances","type":"uint32"},
		{"name":"state","type":"uint8"},
		{"name":"agentIds","type":"uint32[]"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[
		{"name":"serviceId","type":"uint256"}],
	 "outputs":[{"name":"owner","type":"address"}]}
]`

const stakingABIJSON = `[
	{"type":"function","name":"getStakingState","stateMutability":"view","inputs":[
		{"name":"serviceId","type":"uint256"}],
	 "outputs":[{"name":"state","type":"uint8"}]},
	{"type":"function","name":"getServiceInfo","stateMutability":"view","inputs":[
		{"name":"serviceId","type":"uint256"}],
	 "outputs":[
		{"name":"multisig","type":"address"},
		{"name":"owner","type":"address"},
		{"name":"tsStart","type":"uint256"},
		{"name":"reward","type":"uint256"}]}
]`

const safeABIJSON = `[
	{"type":"function","name":"nonce","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getTransactionHash","stateMutability":"view","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"_nonce","type":"uint256"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"execTransaction","stateMutability":"payable","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"signatures","type":"bytes"}],
	 "outputs":[{"name":"success","type":"bool"}]}
]`

var (
	marketplaceABI = mustABI(marketplaceABIJSON)
	registryABI    = mustABI(registryABIJSON)
	stakingABI     = mustABI(stakingABIJSON)
	safeABI        = mustABI(safeABIJSON)

	createMechTopic = marketplaceABI.Events["CreateMech"].ID
	requestTopic    = marketplaceABI.Events["MarketplaceRequest"].ID
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
