package contract

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const poolFactoryABIJSON = `[
  {"type":"function","name":"getAllPools","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"createPool","stateMutability":"payable","inputs":[
    {"name":"name","type":"string"},
    {"name":"description","type":"string"},
    {"name":"dataType","type":"string"},
    {"name":"requirementNames","type":"string[]"},
    {"name":"requirementDescriptions","type":"string[]"},
    {"name":"requirementTypes","type":"uint8[]"},
    {"name":"requirementRequired","type":"bool[]"},
    {"name":"pricePerData","type":"uint256"},
    {"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"PoolCreated","anonymous":false,"inputs":[
    {"name":"pool","type":"address","indexed":true},
    {"name":"creator","type":"address","indexed":true}]}
]`

const poolABIJSON = `[
  {"type":"function","name":"getPoolInfo","stateMutability":"view","inputs":[],
   "outputs":[
    {"name":"name","type":"string"},
    {"name":"description","type":"string"},
    {"name":"dataType","type":"string"},
    {"name":"pricePerData","type":"uint256"},
    {"name":"totalBudget","type":"uint256"},
    {"name":"remainingBudget","type":"uint256"},
    {"name":"creator","type":"address"},
    {"name":"isActive","type":"bool"},
    {"name":"createdAt","type":"uint256"},
    {"name":"deadline","type":"uint256"}]},
  {"type":"function","name":"getProofRequirements","stateMutability":"view","inputs":[],
   "outputs":[
    {"name":"names","type":"string[]"},
    {"name":"descriptions","type":"string[]"},
    {"name":"proofTypes","type":"uint8[]"},
    {"name":"isRequired","type":"bool[]"}]},
  {"type":"function","name":"getSellers","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"hasUserJoined","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isUserFullyVerified","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"joinPool","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"verifySeller","stateMutability":"nonpayable","inputs":[
    {"name":"seller","type":"address"},{"name":"verified","type":"bool"}],"outputs":[]},
  {"type":"function","name":"submitProof","stateMutability":"nonpayable","inputs":[
    {"name":"proofName","type":"string"},{"name":"proofHash","type":"string"}],"outputs":[]},
  {"type":"function","name":"submitSelfProof","stateMutability":"nonpayable","inputs":[
    {"name":"proof","type":"bytes"},{"name":"publicSignals","type":"uint256[]"}],"outputs":[]},
  {"type":"function","name":"purchaseData","stateMutability":"nonpayable","inputs":[
    {"name":"seller","type":"address"}],"outputs":[]}
]`

var (
	poolFactoryABI = mustParseABI(poolFactoryABIJSON)
	poolABI        = mustParseABI(poolABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
