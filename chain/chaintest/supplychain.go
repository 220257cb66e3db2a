package chaintest

// SupplyChainABI is a trimmed supply-chain financing contract: companies
// register, publish inventory, buy on credit and trade receivables.
const SupplyChainABI = `[
  {"type":"function","name":"registerCompany","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"}],
   "outputs":[{"name":"companyId","type":"uint256"}]},
  {"type":"function","name":"addBank","stateMutability":"nonpayable",
   "inputs":[{"name":"bank","type":"address"}],"outputs":[]},
  {"type":"function","name":"publishInventory","stateMutability":"nonpayable",
   "inputs":[{"name":"sku","type":"string"}],"outputs":[]},
  {"type":"function","name":"restock","stateMutability":"nonpayable",
   "inputs":[{"name":"sku","type":"string"},{"name":"quantity","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"buyInventory","stateMutability":"nonpayable",
   "inputs":[{"name":"seller","type":"address"},{"name":"sku","type":"string"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"payableId","type":"uint256"},{"name":"receivableId","type":"uint256"}]},
  {"type":"function","name":"transferReceivable","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"receivableId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"companyOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"name","type":"string"},{"name":"isBank","type":"bool"}]},
  {"type":"event","name":"CompanyRegistered","anonymous":false,
   "inputs":[{"name":"company","type":"address","indexed":true},{"name":"companyId","type":"uint256","indexed":false},{"name":"name","type":"string","indexed":false}]},
  {"type":"event","name":"Sold","anonymous":false,
   "inputs":[{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"sku","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"payableId","type":"uint256","indexed":false},{"name":"receivableId","type":"uint256","indexed":false}]},
  {"type":"event","name":"ReceivableTransferred","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"receivableId","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`
