// Package wamp предоставляет основу WAMP v2 клиента:
//   - Типы сообщений протокола и сериализацию wamp.2.json
//   - Транспорт поверх WebSocket (gorilla/websocket) и канал с трассировкой кадров
//   - Атомарные генераторы идентификаторов
//
// Сопоставление ответов с запросами живёт в подпакетах:
//   - client: однопоточный движок с таблицей ожидающих операций (Context)
//   - threads: многопоточный движок с реестром слушателей и блокирующей подпиской
//
// # Однопоточный клиент
//
//	c, _, err := client.Dial(ctx, wamp.DefaultDialConfig("ws://localhost:8080/ws"), client.DefaultConfig())
//	c.OnWelcome(func(ctx *client.Context, w *wamp.Welcome) {
//	    ctx.Subscribe(&wamp.Subscribe{RequestID: 1, Topic: "com.example.topic"},
//	        func(ctx *client.Context, s *wamp.Subscribed, err error) {
//	            ctx.Event(s, func(ctx *client.Context, e *wamp.Event) { ... })
//	        })
//	})
//	c.Send(&wamp.Hello{Realm: "realm1", Details: wamp.Dict{"roles": ...}})
//	c.Run(ctx)
//
// Колбэк получает отсоединённый Context. Всё, что он в нём зарегистрировал
// или отправил, сливается в живой Context и уходит в канал до чтения
// следующего кадра.
//
// # Многопоточный клиент
//
//	c, _, err := threads.Dial(ctx, wamp.DefaultDialConfig(url), threads.DefaultConfig())
//	go c.Run(ctx)
//	sub := threads.NewSubscription(c)
//	sub.Subscribe(ctx, &wamp.Subscribe{Topic: "com.example.topic"})
//	sub.Events(func(c *threads.Client, e *wamp.Event) { ... })
//
// # Формат сообщений
//
// Каждое сообщение - JSON-массив, первый элемент которого код типа:
//
//	[32, 713845233, {}, "com.myapp.mytopic1"]
//	[33, 713845233, 5512315355]
//
// Бинарные кадры не поддерживаются: ErrUnsupportedEncoding.
package wamp
