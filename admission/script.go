package admission

import "fmt"

// Shared-store key layout for a voucher's admission state.
const (
	stockKeyPrefix = "seckill:stock:"
	orderKeyPrefix = "seckill:order:"
)

// admissionScript performs the eligibility check and state mutation in one
// atomic round trip: 1 = no stock, 2 = duplicate user, 0 = admitted (stock
// decremented and user recorded in the order set).
const admissionScript = `
local voucherId = ARGV[1]
local userId = ARGV[2]
local stockKey = 'seckill:stock:' .. voucherId
local orderKey = 'seckill:order:' .. voucherId
if (tonumber(redis.call('get', stockKey)) <= 0) then
    return 1
end
if (redis.call('sismember', orderKey, userId) == 1) then
    return 2
end
redis.call('incrby', stockKey, -1)
redis.call('sadd', orderKey, userId)
return 0
`

func stockKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", stockKeyPrefix, voucherID)
}

func orderKey(voucherID int64) string {
	return fmt.Sprintf("%s%d", orderKeyPrefix, voucherID)
}
