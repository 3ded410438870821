package broadcast

import (
	"context"
	"log/slog"
	"sync"
)

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber ISubscriber[PublishRequest[T]]
	publisher  IPublisher[PublishRequest[T]]
	guard      func(channelName string, message T) bool
	localSize  int
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置跨節點訊息來源
// 沒有設置時只會廣播本節點發布的訊息
func WithSubscriber[T any](subscriber ISubscriber[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// WithPublisher 設置跨節點訊息出口
// 沒有設置時訊息只會在本節點內廣播
func WithPublisher[T any](publisher IPublisher[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.publisher = publisher
	}
}

// WithDispatchGuard 設置廣播前的過濾函式，回傳false的訊息會被丟棄
// 所有訊息都經過單一的dispatch goroutine，guard看到的順序就是廣播順序
func WithDispatchGuard[T any](guard func(channelName string, message T) bool) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.guard = guard
	}
}

// connectionManager 管理多個廣播頻道的訂閱與發布。
// 透過注入的Redis Stream生產者與消費者實現跨節點的訊息廣播，
// 讓多個服務實例能夠協同運作；兩者都沒有注入時退化為單節點的本地廣播。
type connectionManager[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	local    chan PublishRequest[T] // 本地發布的訊息佇列(無publisher時使用)
	channels map[string]*Channel[T] // 儲存所有活躍的頻道

	options managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ManagerOption[T]) (IConnectionManager[T], error) {
	// 默認選項
	options := managerOptions[T]{
		logger:    slog.Default(),
		localSize: 100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &connectionManager[T]{
		ctx:      ctx,
		cancel:   cancel,
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		local:    make(chan PublishRequest[T], options.localSize),
		channels: make(map[string]*Channel[T]),
		active:   true,
		options:  options,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	if cm.options.publisher != nil {
		cm.options.publisher.Start()
	}
	if cm.options.subscriber != nil {
		cm.options.subscriber.Start()
	}

	var upstream <-chan PublishRequest[T]
	if cm.options.subscriber != nil {
		upstream = cm.options.subscriber.Subscribe()
	}

	// 啟動訊息處理的 goroutine
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for {
			select {
			case <-cm.ctx.Done():
				return
			case msg, ok := <-upstream:
				if !ok {
					return
				}
				cm.dispatch(msg)
			case msg := <-cm.local:
				cm.dispatch(msg)
			}
		}
	}()
}

func (cm *connectionManager[T]) dispatch(msg PublishRequest[T]) {
	if cm.options.guard != nil && !cm.options.guard(msg.Channel, msg.Message) {
		cm.logger.Debug("Message dropped by dispatch guard", slog.String("channel", msg.Channel))
		return
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if channel, ok := cm.channels[msg.Channel]; ok {
		channel.Broadcast(msg.Message)
	}
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return
	}

	cm.active = false
	cm.cancel()
	if cm.options.subscriber != nil {
		cm.options.subscriber.Close()
	}
	if cm.options.publisher != nil {
		cm.options.publisher.Close()
	}
	cm.wg.Wait()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收訊息的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = &Channel[T]{subscribers: make(map[<-chan T]chan<- T)}
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到指定的頻道。
// 有設置publisher時訊息會先經過Redis Stream再廣播回所有節點(包含本節點)，
// 沒有時直接送進本地佇列
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return context.Canceled
	}

	request := PublishRequest[T]{
		Channel: channelName,
		Message: data,
	}
	if cm.options.publisher != nil {
		return cm.options.publisher.Publish(request)
	}

	select {
	case cm.local <- request:
		return nil
	case <-cm.ctx.Done():
		return context.Canceled
	}
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
