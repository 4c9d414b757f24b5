package events

import (
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestIDOrdering(t *testing.T) {
	ids := []ID{
		{Block: 2, TxIndex: 0, LogIndex: 0},
		{Block: 1, TxIndex: 3, LogIndex: 1},
		{Block: 1, TxIndex: 3, LogIndex: 0},
		{Block: 1, TxIndex: 0, LogIndex: 7},
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	assert.Equal(t, []ID{
		{Block: 1, TxIndex: 0, LogIndex: 7},
		{Block: 1, TxIndex: 3, LogIndex: 0},
		{Block: 1, TxIndex: 3, LogIndex: 1},
		{Block: 2, TxIndex: 0, LogIndex: 0},
	}, ids)
	assert.Equal(t, 0, ids[0].Compare(ids[0]))
}

func TestEventKindAndAccounts(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	ev := Event{Payload: BalanceTransferred{From: a, To: b, Amount: 5}}
	assert.Equal(t, KindBalanceTransferred, ev.Kind())
	from, to := ev.Accounts()
	assert.Equal(t, a, from)
	assert.Equal(t, b, to)

	assert.Equal(t, KindUnknown, Event{}.Kind())
	assert.Equal(t, "CreditlineUpdate", KindCreditLimitUpdated.String())
}

func TestParseKind(t *testing.T) {
	for k := KindTrustlineOpened; k <= KindTrustlineClosed; k++ {
		got, err := ParseKind(k.String())
		assert.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("Unknown")
	assert.Error(t, err)
	_, err = ParseKind("Transfer")
	assert.Error(t, err)
}
