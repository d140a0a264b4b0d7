package wweb

// The in-page bridge. Injected once the web client reports itself logged
// in; everything the Go side needs afterwards goes through
// window.__connector, and the page pushes events back through the exposed
// __connectorEmit binding.
//
// Module acquisition piggybacks on the web client's webpack runtime the
// same way the browser console does: push a fake chunk to grab the
// require function, then read the internal collections out of the module
// cache by shape.
const bridgeJS = `() => {
	if (window.__connector) { return true; }

	const modules = {};
	const chunkName = Object.keys(window).find(k => k.startsWith('webpackChunk'));
	if (!chunkName) { return false; }
	window[chunkName].push([['__connector_probe'], {}, (req) => {
		for (const id of Object.keys(req.m)) {
			try { modules[id] = req(id); } catch (e) {}
		}
	}]);

	const find = (pred) => {
		for (const id of Object.keys(modules)) {
			const m = modules[id];
			if (m && pred(m)) { return m; }
			if (m && m.default && pred(m.default)) { return m.default; }
		}
		return null;
	};

	const Chat = find(m => m.Chat && m.Chat.getModelsArray).Chat;
	const Msg = find(m => m.Msg && m.Msg.getModelsArray).Msg;
	const SendText = find(m => m.addAndSendMsgToChat);
	const WidFactory = find(m => m.createWid);
	const QueryExist = find(m => m.queryWidExists || m.queryExist);
	const AppState = find(m => m.Socket && m.Socket.state !== undefined) ||
		find(m => m.state && m.stream);

	const serializeMsg = (m) => ({
		platform_id: m.id._serialized,
		chat_id: m.id.remote._serialized || m.id.remote,
		sender: m.author ? (m.author._serialized || m.author)
			: (m.from._serialized || m.from),
		body: m.body || '',
		kind: m.type || 'chat',
		from_me: !!m.id.fromMe,
		timestamp: m.t || 0
	});

	window.__connector = {
		async send(to, payload) {
			const wid = WidFactory.createWid(to);
			const chat = await Chat.find(wid);
			const msgs = await SendText.addAndSendMsgToChat(chat, payload);
			const sent = await msgs[1];
			return sent.id._serialized;
		},
		chats() {
			return Chat.getModelsArray().map(c => ({
				chat_id: c.id._serialized,
				name: c.formattedTitle || c.name || '',
				is_group: c.isGroup,
				unread: c.unreadCount || 0,
				last_activity: c.t || 0
			}));
		},
		async messages(chatId, count) {
			const wid = WidFactory.createWid(chatId);
			const chat = await Chat.find(wid);
			let msgs = chat.msgs.getModelsArray();
			if (msgs.length < count && chat.loadEarlierMsgs) {
				await chat.loadEarlierMsgs();
				msgs = chat.msgs.getModelsArray();
			}
			return msgs.slice(-count).map(serializeMsg);
		},
		async exists(id) {
			const wid = WidFactory.createWid(id);
			const q = QueryExist.queryWidExists || QueryExist.queryExist;
			const res = await q(wid);
			return !!(res && (res.wid || res.biz !== undefined));
		},
		ack(platformId) {
			const m = Msg.get(platformId);
			if (!m) { return -99; }
			return typeof m.ack === 'number' ? m.ack : 0;
		},
		state() {
			return (AppState && AppState.Socket) ? AppState.Socket.state
				: (AppState ? AppState.state : 'UNKNOWN');
		}
	};

	Msg.on('add', (m) => {
		if (m.isNewMsg && !m.id.fromMe) {
			window.__connectorEmit(JSON.stringify(
				{ kind: 'message', data: serializeMsg(m) }));
		}
	});
	Msg.on('change:ack', (m) => {
		window.__connectorEmit(JSON.stringify({ kind: 'ack', data: {
			platform_id: m.id._serialized,
			code: m.ack
		}}));
	});

	return true;
}`

// loginStateJS classifies the page without touching webpack internals, so
// it is safe to run before the bridge exists. Returns "qr", "ready" or
// "loading".
const loginStateJS = `() => {
	if (document.querySelector('div[data-ref]')) { return 'qr'; }
	if (document.querySelector('#side') ||
		document.querySelector('[data-testid="chat-list"]')) { return 'ready'; }
	return 'loading';
}`

// qrCaptureJS returns the pairing code plus the rendered QR canvas as a
// PNG data URL, or nulls while the code is still being drawn.
const qrCaptureJS = `() => {
	const el = document.querySelector('div[data-ref]');
	if (!el) { return { ref: '', png: '' }; }
	const canvas = el.querySelector('canvas');
	return {
		ref: el.getAttribute('data-ref') || '',
		png: canvas ? canvas.toDataURL('image/png') : ''
	};
}`
