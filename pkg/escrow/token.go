package escrow

import (
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/solana/token"
)

type cpiTokenInterface struct {
	ictx         *bank.InvokeContext
	tokenProgram ed25519.PublicKey
}

// NewCPITokenInterface returns a TokenInterface that calls the token program
// through cross-program invocation.
func NewCPITokenInterface(ictx *bank.InvokeContext, tokenProgram *bank.AccountInfo) TokenInterface {
	return &cpiTokenInterface{
		ictx:         ictx,
		tokenProgram: tokenProgram.Key,
	}
}

func (t *cpiTokenInterface) Transfer(amount uint64, from, to, authority *bank.AccountInfo, signerSeeds ...[][]byte) error {
	ix := token.Transfer(from.Key, to.Key, authority.Key, amount)
	ix.Program = t.tokenProgram
	return t.ictx.InvokeSigned(ix, signerSeeds...)
}

func (t *cpiTokenInterface) SetAuthority(account *bank.AccountInfo, newAuthority ed25519.PublicKey, authorityType token.AuthorityType, currentAuthority *bank.AccountInfo, signerSeeds ...[][]byte) error {
	ix := token.SetAuthority(account.Key, currentAuthority.Key, newAuthority, authorityType)
	ix.Program = t.tokenProgram
	return t.ictx.InvokeSigned(ix, signerSeeds...)
}

func (t *cpiTokenInterface) CloseAccount(account, destination, authority *bank.AccountInfo, signerSeeds ...[][]byte) error {
	ix := token.CloseAccount(account.Key, destination.Key, authority.Key)
	ix.Program = t.tokenProgram
	return t.ictx.InvokeSigned(ix, signerSeeds...)
}
