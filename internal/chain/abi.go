package chain

// Minimal ABI fragments for the contract calls this service makes.
// Administrative methods (ownership, whitelisting, fee setting) are the
// arbiter's concern and deliberately absent.

const escrowABI = `[
	{"inputs":[{"name":"_listingId","type":"bytes32"},{"name":"_token","type":"address"},{"name":"_amount","type":"uint256"},{"name":"_expiration","type":"uint64"},{"name":"_escrowType","type":"uint8"}],"name":"createListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"},{"name":"_deadline","type":"uint64"},{"name":"_extraData","type":"bytes"}],"name":"fillListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"}],"name":"deliverDisputableListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"}],"name":"deliverOnchainApprovalListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"},{"name":"_donHostedSecretsSlotID","type":"uint8"},{"name":"_donHostedSecretsVersion","type":"uint64"},{"name":"_subscriptionId","type":"uint64"},{"name":"_gasLimit","type":"uint32"},{"name":"_donID","type":"bytes32"}],"name":"deliverApiApprovalListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"},{"name":"_toBuyer","type":"bool"}],"name":"resolveListing","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"}],"name":"disputeListing","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"}],"name":"cancelListingBySeller","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"}],"name":"cancelListingByBuyer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_token","type":"address"}],"name":"isTokenWhitelisted","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getFee","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"_listingId","type":"bytes32"}],"name":"getListing","outputs":[{"components":[{"name":"listingId","type":"bytes32"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"expiration","type":"uint64"},{"name":"deadline","type":"uint64"},{"name":"state","type":"uint8"},{"name":"escrowType","type":"uint8"},{"components":[{"name":"destination","type":"address"},{"name":"data","type":"bytes"},{"name":"expectedResult","type":"bytes"}],"name":"onchainApprovalData","type":"tuple"},{"components":[{"name":"source","type":"string"},{"name":"encryptedSecretsUrls","type":"bytes"},{"name":"args","type":"string[]"},{"name":"bytesArgs","type":"bytes[]"},{"name":"requestId","type":"bytes32"}],"name":"apiApprovalData","type":"tuple"}],"name":"","type":"tuple"}],"stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
	{"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
