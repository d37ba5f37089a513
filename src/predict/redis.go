package predict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/gofrs/uuid"
	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
)

// RedisQueue is the list model workers pop requests from. Replies are pushed
// to RedisQueue + ":" + uuid.
const RedisQueue = "represent"

func NewRedisPool(address string, maxConnections int) *redis.Pool {
	return redis.NewPool(func() (redis.Conn, error) {
		c, err := redis.Dial("tcp", address)

		if err != nil {
			return nil, err
		}

		return c, err
	}, maxConnections)
}

// RedisPredictor hands images to model workers through a redis list and
// blocks until the matching reply arrives. It is safe to share between
// workers; the pool is owned by the caller.
type RedisPredictor struct {
	pool             *redis.Pool
	queue            string
	detectorBackend  string
	recognitionModel string
}

func NewRedisPredictor(pool *redis.Pool, detectorBackend string, recognitionModel string) *RedisPredictor {
	return &RedisPredictor{
		pool:             pool,
		queue:            RedisQueue,
		detectorBackend:  detectorBackend,
		recognitionModel: recognitionModel,
	}
}

func (p *RedisPredictor) Represent(img *decoder.Image) ([]datastructures.Representation, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	request := datastructures.RepresentRequest{
		Uuid:             id.String(),
		Created:          time.Now().Unix(),
		Width:            img.Width,
		Height:           img.Height,
		Pixels:           img.Pix,
		DetectorBackend:  p.detectorBackend,
		RecognitionModel: p.recognitionModel,
		EnforceDetection: true,
		Align:            true,
	}
	serialized, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal request: %w", err)
	}

	redisConn := p.pool.Get()
	defer redisConn.Close()

	if _, err := redisConn.Do("RPUSH", p.queue, serialized); err != nil {
		return nil, fmt.Errorf("couldn't queue request: %w", err)
	}

	replyKey := p.queue + ":" + request.Uuid
	values, err := redis.ByteSlices(redisConn.Do("BLPOP", replyKey, 0))
	if err != nil {
		return nil, fmt.Errorf("couldn't receive reply: %w", err)
	}
	redisConn.Do("DEL", replyKey)
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected reply from redis: %d values", len(values))
	}

	var reply datastructures.RepresentReply
	if err := json.Unmarshal(values[1], &reply); err != nil {
		return nil, fmt.Errorf("couldn't unmarshal reply: %w", err)
	}
	if reply.Error != "" {
		return nil, &WorkerError{Msg: reply.Error}
	}
	return reply.Result, nil
}

// Close is a no-op, the pool outlives the predictor.
func (p *RedisPredictor) Close() {}
