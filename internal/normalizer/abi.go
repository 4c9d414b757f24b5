package normalizer

// CurrencyNetworkABI lists the events a currency network contract emits.
const CurrencyNetworkABI = `[
	{
		"type": "event",
		"name": "TrustlineOpened",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_a", "type": "address"},
			{"indexed": true, "name": "_b", "type": "address"},
			{"indexed": false, "name": "_limitAB", "type": "uint64"},
			{"indexed": false, "name": "_limitBA", "type": "uint64"},
			{"indexed": false, "name": "_interestAB", "type": "int16"},
			{"indexed": false, "name": "_interestBA", "type": "int16"},
			{"indexed": false, "name": "_feeFlat", "type": "uint64"},
			{"indexed": false, "name": "_feeRatePPM", "type": "uint32"}
		]
	},
	{
		"type": "event",
		"name": "CreditlineUpdate",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_creditor", "type": "address"},
			{"indexed": true, "name": "_debtor", "type": "address"},
			{"indexed": false, "name": "_value", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "BalanceTransfer",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_from", "type": "address"},
			{"indexed": true, "name": "_to", "type": "address"},
			{"indexed": false, "name": "_value", "type": "int256"}
		]
	},
	{
		"type": "event",
		"name": "FeeUpdate",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_from", "type": "address"},
			{"indexed": true, "name": "_to", "type": "address"},
			{"indexed": false, "name": "_feeFlat", "type": "uint64"},
			{"indexed": false, "name": "_feeRatePPM", "type": "uint32"}
		]
	},
	{
		"type": "event",
		"name": "TrustlineClosed",
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "_a", "type": "address"},
			{"indexed": true, "name": "_b", "type": "address"}
		]
	}
]`
