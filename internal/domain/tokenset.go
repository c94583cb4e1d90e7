package domain

// TokenSetKind is the shape of a token set.
type TokenSetKind string

const (
	TokenSetToken    TokenSetKind = "token"
	TokenSetContract TokenSetKind = "contract"
	TokenSetRange    TokenSetKind = "range"
	TokenSetList     TokenSetKind = "list"
)

// TokenRef names a single NFT.
type TokenRef struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
}

// TokenSet is a content-addressed group of tokens an order is valid against.
// Sets are shared across orders and never owned by one.
type TokenSet struct {
	ID         string
	Kind       TokenSetKind
	Contract   string
	StartID    string // range only
	EndID      string // range only
	MerkleRoot string // list only
	Tokens     []TokenRef
}

// ContractKind is the token standard of an NFT contract.
type ContractKind string

const (
	ContractERC721  ContractKind = "erc721"
	ContractERC1155 ContractKind = "erc1155"
)
